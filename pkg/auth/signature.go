package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ledgersync/pkg/ledger"
	"ledgersync/pkg/models"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Request headers of the signed-request protocol.
const (
	HeaderSignature  = "x-auth-signature"
	HeaderTimestamp  = "x-auth-timestamp"
	HeaderNonce      = "x-auth-nonce"
	HeaderAddress    = "x-auth-address"
	HeaderBodySHA256 = "x-auth-body-sha256"
)

// MessagePrefix domain-separates signed requests from any other message the
// same key might sign.
const MessagePrefix = "ledgersync-auth:v1\n"

const DefaultMaxSkew = 5 * time.Minute

// Rejection codes. Each stage has its own.
const (
	CodeAuthRequired      = "auth_required"
	CodeInvalidTimestamp  = "invalid_timestamp"
	CodeAuthExpired       = "auth_expired"
	CodeAddressMismatch   = "address_mismatch"
	CodeReplayDetected    = "replay_detected"
	CodeBodyHashRequired  = "body_hash_required"
	CodeBodyHashMismatch  = "body_hash_mismatch"
	CodeInvalidSignature  = "invalid_signature"
	CodeNonceStoreFailure = "nonce_store_unavailable"
)

// AuthError is a rejected signed request.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(status int, code, msg string) *AuthError {
	return &AuthError{Status: status, Code: code, Message: msg}
}

// NonceConsumer is satisfied by store.NonceStore.
type NonceConsumer interface {
	Consume(ctx context.Context, address, nonce string) (bool, error)
}

// Authenticator validates signed request envelopes.
type Authenticator struct {
	Nonces  NonceConsumer
	MaxSkew time.Duration
	Now     func() time.Time
	// OnReject observes every rejection code; used for metrics.
	OnReject func(code string)
}

func NewAuthenticator(nonces NonceConsumer, maxSkew time.Duration) *Authenticator {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Authenticator{Nonces: nonces, MaxSkew: maxSkew, Now: time.Now}
}

// RequestAuth is what a handler knows about the request it protects.
type RequestAuth struct {
	Header http.Header
	Intent string
	// Address is the account the caller asserts control over. When empty the
	// x-auth-address header supplies it.
	Address string
	Body    []byte
	// ProtectBody makes the body hash header mandatory.
	ProtectBody bool
}

// Authenticate runs the checks in a fixed order and stops at the first
// failure. The nonce is consumed before the body and signature are checked.
func (a *Authenticator) Authenticate(ctx context.Context, req RequestAuth) (models.AuthEnvelope, error) {
	env, err := a.authenticate(ctx, req)
	if err != nil && a.OnReject != nil {
		if ae, ok := err.(*AuthError); ok {
			a.OnReject(ae.Code)
		}
	}
	return env, err
}

func (a *Authenticator) authenticate(ctx context.Context, req RequestAuth) (models.AuthEnvelope, error) {
	h := req.Header
	sig := strings.TrimSpace(h.Get(HeaderSignature))
	rawTS := strings.TrimSpace(h.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(h.Get(HeaderNonce))
	if sig == "" || rawTS == "" || nonce == "" {
		return models.AuthEnvelope{}, reject(http.StatusUnauthorized, CodeAuthRequired, "signature, timestamp and nonce headers are required")
	}
	headerAddr := strings.TrimSpace(h.Get(HeaderAddress))
	asserted := strings.TrimSpace(req.Address)
	if asserted == "" {
		asserted = headerAddr
	}
	if asserted == "" {
		return models.AuthEnvelope{}, reject(http.StatusUnauthorized, CodeAuthRequired, "signer address is required")
	}

	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil || ts <= 0 {
		return models.AuthEnvelope{}, reject(http.StatusBadRequest, CodeInvalidTimestamp, "timestamp must be a positive integer")
	}
	maxSkew := a.MaxSkew
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	if skew := a.now().Sub(timestampTime(ts)); skew > maxSkew || skew < -maxSkew {
		return models.AuthEnvelope{}, reject(http.StatusUnauthorized, CodeAuthExpired, "timestamp outside allowed skew")
	}

	if headerAddr != "" && !strings.EqualFold(headerAddr, asserted) {
		return models.AuthEnvelope{}, reject(http.StatusUnauthorized, CodeAddressMismatch, "address header does not match asserted address")
	}
	addr, err := ledger.ParseAddress(asserted)
	if err != nil {
		return models.AuthEnvelope{}, reject(http.StatusUnauthorized, CodeAddressMismatch, "asserted address is not a valid account address")
	}
	address := strings.ToLower(addr.Hex())

	if a.Nonces == nil {
		return models.AuthEnvelope{}, reject(http.StatusServiceUnavailable, CodeNonceStoreFailure, "nonce store not configured")
	}
	fresh, err := a.Nonces.Consume(ctx, address, nonce)
	if err != nil {
		return models.AuthEnvelope{}, reject(http.StatusServiceUnavailable, CodeNonceStoreFailure, "nonce store unavailable")
	}
	if !fresh {
		return models.AuthEnvelope{}, reject(http.StatusUnauthorized, CodeReplayDetected, "nonce already used")
	}

	bodyHash := strings.TrimSpace(h.Get(HeaderBodySHA256))
	if req.ProtectBody && bodyHash == "" {
		return models.AuthEnvelope{}, reject(http.StatusUnauthorized, CodeBodyHashRequired, "body hash header is required")
	}
	// A declared hash always binds the body, protected route or not.
	if bodyHash != "" && bodyHash != BodyHash(req.Body) {
		return models.AuthEnvelope{}, reject(http.StatusUnauthorized, CodeBodyHashMismatch, "body hash does not match transmitted body")
	}

	env := models.AuthEnvelope{
		Address:   address,
		Intent:    req.Intent,
		Timestamp: ts,
		Nonce:     nonce,
		BodyHash:  bodyHash,
		Signature: sig,
	}
	signer, err := RecoverSigner(env)
	if err != nil || !strings.EqualFold(signer, address) {
		return models.AuthEnvelope{}, reject(http.StatusUnauthorized, CodeInvalidSignature, "signature does not verify for address")
	}
	return env, nil
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Values below 1e12 cannot be milliseconds of any plausible date and are
// read as seconds.
func timestampTime(ts int64) time.Time {
	if ts < 1_000_000_000_000 {
		return time.Unix(ts, 0)
	}
	return time.UnixMilli(ts)
}

// BodyHash is base64(sha256(body)) of the exact transmitted bytes.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// CanonicalMessage is the prefixed RFC 8785 form of the signed fields.
func CanonicalMessage(env models.AuthEnvelope) ([]byte, error) {
	raw, err := json.Marshal(map[string]any{
		"address":   strings.ToLower(env.Address),
		"bodyHash":  env.BodyHash,
		"intent":    env.Intent,
		"nonce":     env.Nonce,
		"timestamp": env.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize auth message: %w", err)
	}
	return append([]byte(MessagePrefix), canon...), nil
}

// RecoverSigner returns the lower-case address that signed env.
func RecoverSigner(env models.AuthEnvelope) (string, error) {
	msg, err := CanonicalMessage(env)
	if err != nil {
		return "", err
	}
	sig, err := ledger.DecodeSignature(env.Signature)
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return "", err
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// SignEnvelope fills env.Signature with a personal-message signature.
func SignEnvelope(key *ecdsa.PrivateKey, env models.AuthEnvelope) (models.AuthEnvelope, error) {
	msg, err := CanonicalMessage(env)
	if err != nil {
		return env, err
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return env, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	env.Signature = hexutil.Encode(sig)
	return env, nil
}

// SignRequest produces the headers a client sends for intent. When protect
// is set the body hash is bound into the signature.
func SignRequest(key *ecdsa.PrivateKey, intent string, body []byte, protect bool, now time.Time) (http.Header, error) {
	env := Envelope(key, intent, now.UnixMilli())
	if protect {
		env.BodyHash = BodyHash(body)
	}
	signed, err := SignEnvelope(key, env)
	if err != nil {
		return nil, err
	}
	return EnvelopeHeaders(signed), nil
}

func EnvelopeHeaders(env models.AuthEnvelope) http.Header {
	h := http.Header{}
	h.Set(HeaderSignature, env.Signature)
	h.Set(HeaderTimestamp, strconv.FormatInt(env.Timestamp, 10))
	h.Set(HeaderNonce, env.Nonce)
	h.Set(HeaderAddress, env.Address)
	if env.BodyHash != "" {
		h.Set(HeaderBodySHA256, env.BodyHash)
	}
	return h
}

// HasSignatureHeaders reports whether the request attempts signed auth.
func HasSignatureHeaders(h http.Header) bool {
	return h.Get(HeaderSignature) != "" || h.Get(HeaderNonce) != "" || h.Get(HeaderTimestamp) != ""
}

// Envelope starts an unsigned envelope for key with a fresh nonce.
func Envelope(key *ecdsa.PrivateKey, intent string, timestamp int64) models.AuthEnvelope {
	return models.AuthEnvelope{
		Address:   strings.ToLower(ledger.AddressOf(key).Hex()),
		Intent:    intent,
		Timestamp: timestamp,
		Nonce:     uuid.NewString(),
	}
}
