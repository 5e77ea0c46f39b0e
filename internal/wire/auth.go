package wire

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ComputeMD5Password computes the PostgreSQL MD5 password hash:
// "md5" + md5(md5(password+user) + salt). Grounded on the pack's
// db-bouncer client-side implementation of the same formula
// (other_examples db-bouncer pool.go computeMD5Password); this is the
// server-side counterpart used to verify what a client sends.
func ComputeMD5Password(user, password string, salt [4]byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt[:]...))
	return "md5" + hex.EncodeToString(h2[:])
}

// RandomSalt returns a cryptographically random 4-byte MD5 salt.
func RandomSalt() [4]byte {
	var salt [4]byte
	_, _ = rand.Read(salt[:])
	return salt
}

// SCRAMServer implements the server side of SCRAM-SHA-256
// (RFC 5802 / RFC 7677) for the client-facing authentication boundary
// named in spec.md section 6. Shaped after the pack's pprox SCRAMServer
// (other_examples sausheong-pprox handler.go), which separates
// HandleClientFirst/HandleClientFinal so the session's state machine
// can drive each SASL round as its own wire message.
type SCRAMServer struct {
	username   string
	password   string
	clientNonce string
	serverNonce string
	salt        []byte
	iterations  int
	authMessage string
	saltedPass  []byte
}

// NewSCRAMServer creates a server keyed to the cleartext password on
// file for username (looked up by the caller from the configured
// admin/auth store -- this package only implements the mechanism).
func NewSCRAMServer(username, password string) *SCRAMServer {
	salt := make([]byte, 16)
	_, _ = rand.Read(salt)
	return &SCRAMServer{
		username:   username,
		password:   password,
		salt:       salt,
		iterations: 4096,
	}
}

// Mechanisms lists the SASL mechanisms advertised in AuthenticationSASL.
func (s *SCRAMServer) Mechanisms() []string { return []string{"SCRAM-SHA-256"} }

// HandleClientFirst parses the client-first-message (after the
// mechanism name and its length, which the session layer strips) and
// returns the server-first-message to send back via
// AuthenticationSASLContinue.
func (s *SCRAMServer) HandleClientFirst(clientFirst string) (string, error) {
	// client-first-message-bare = "n=" username "," "r=" nonce
	gs2Stripped := clientFirst
	if idx := strings.Index(clientFirst, "n="); idx >= 0 {
		gs2Stripped = clientFirst[idx:]
	}
	parts := strings.Split(gs2Stripped, ",")
	for _, p := range parts {
		if strings.HasPrefix(p, "r=") {
			s.clientNonce = strings.TrimPrefix(p, "r=")
		}
	}
	if s.clientNonce == "" {
		return "", fmt.Errorf("scram: missing client nonce")
	}

	nonceSuffix := make([]byte, 18)
	_, _ = rand.Read(nonceSuffix)
	s.serverNonce = s.clientNonce + base64.RawStdEncoding.EncodeToString(nonceSuffix)

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		s.serverNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
	s.authMessage = gs2Stripped + "," + serverFirst
	s.saltedPass = pbkdf2.Key([]byte(s.password), s.salt, s.iterations, sha256.Size, sha256.New)
	return serverFirst, nil
}

// HandleClientFinal parses the client-final-message and returns the
// server-final-message (including the verifier) on success.
func (s *SCRAMServer) HandleClientFinal(clientFinal string) (string, error) {
	var channelBinding, nonce, proofB64 string
	for _, p := range strings.Split(clientFinal, ",") {
		switch {
		case strings.HasPrefix(p, "c="):
			channelBinding = strings.TrimPrefix(p, "c=")
		case strings.HasPrefix(p, "r="):
			nonce = strings.TrimPrefix(p, "r=")
		case strings.HasPrefix(p, "p="):
			proofB64 = strings.TrimPrefix(p, "p=")
		}
	}
	if channelBinding == "" || nonce != s.serverNonce || proofB64 == "" {
		return "", fmt.Errorf("scram: malformed client-final-message")
	}

	clientProof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("scram: bad proof encoding: %w", err)
	}

	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + nonce
	authMessage := s.authMessage + "," + clientFinalWithoutProof

	clientKey := hmacSHA256(s.saltedPass, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))

	computedClientKey := xorBytes(clientProof, clientSignature)
	computedStoredKey := sha256.Sum256(computedClientKey)
	if subtle.ConstantTimeCompare(computedStoredKey[:], storedKey[:]) != 1 {
		return "", fmt.Errorf("scram: authentication failed")
	}

	serverKey := hmacSHA256(s.saltedPass, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(serverSignature), nil
}

// SCRAMClient implements the client side of SCRAM-SHA-256, used when
// the pool dials a real PostgreSQL backend that is itself configured
// for SCRAM auth. Mirrors SCRAMServer's three-message exchange in the
// other direction.
type SCRAMClient struct {
	username, password string
	clientNonce         string
	authMessage         string
	saltedPass          []byte
}

// NewSCRAMClient creates a client for the given credentials.
func NewSCRAMClient(username, password string) *SCRAMClient {
	nonce := make([]byte, 18)
	_, _ = rand.Read(nonce)
	return &SCRAMClient{
		username:    username,
		password:    password,
		clientNonce: base64.RawStdEncoding.EncodeToString(nonce),
	}
}

// FirstMessage returns the client-first-message to send as the
// SASLInitialResponse.
func (c *SCRAMClient) FirstMessage() string {
	return "n,,n=" + c.username + ",r=" + c.clientNonce
}

// FinalMessage consumes the server-first-message (from
// AuthenticationSASLContinue) and returns the client-final-message.
func (c *SCRAMClient) FinalMessage(serverFirst string) (string, error) {
	var serverNonce, saltB64, iterStr string
	for _, p := range strings.Split(serverFirst, ",") {
		switch {
		case strings.HasPrefix(p, "r="):
			serverNonce = strings.TrimPrefix(p, "r=")
		case strings.HasPrefix(p, "s="):
			saltB64 = strings.TrimPrefix(p, "s=")
		case strings.HasPrefix(p, "i="):
			iterStr = strings.TrimPrefix(p, "i=")
		}
	}
	if serverNonce == "" || saltB64 == "" || iterStr == "" {
		return "", fmt.Errorf("scram: malformed server-first-message")
	}
	if !strings.HasPrefix(serverNonce, c.clientNonce) {
		return "", fmt.Errorf("scram: server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("scram: bad salt encoding: %w", err)
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil {
		return "", fmt.Errorf("scram: bad iteration count: %w", err)
	}

	c.saltedPass = pbkdf2.Key([]byte(c.password), salt, iterations, sha256.Size, sha256.New)
	clientFirstBare := "n=" + c.username + ",r=" + c.clientNonce
	clientFinalWithoutProof := "c=biws,r=" + serverNonce
	c.authMessage = clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientKey := hmacSHA256(c.saltedPass, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(c.authMessage))
	proof := xorBytes(clientKey, clientSignature)

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// VerifyServerFinal checks the server-final-message's verifier.
func (c *SCRAMClient) VerifyServerFinal(serverFinal string) error {
	sig := strings.TrimPrefix(serverFinal, "v=")
	want, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("scram: bad server signature encoding: %w", err)
	}
	serverKey := hmacSHA256(c.saltedPass, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(c.authMessage))
	if subtle.ConstantTimeCompare(want, serverSignature) != 1 {
		return fmt.Errorf("scram: server signature mismatch")
	}
	return nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

// ParseSASLInitial splits a SASLInitialResponse PasswordMessage body
// into its mechanism name and initial client data.
func ParseSASLInitial(payload []byte) (mechanism, data string, err error) {
	buf := NewBufferFrom(payload)
	mechanism, err = buf.ReadString()
	if err != nil {
		return "", "", err
	}
	length, err := buf.ReadInt32()
	if err != nil {
		return "", "", err
	}
	if length < 0 {
		return mechanism, "", nil
	}
	raw, err := buf.ReadBytes(int(length))
	if err != nil {
		return "", "", err
	}
	return mechanism, string(raw), nil
}

// FormatSASLLength prefixes a SASL response with its length, for
// logging/debugging the handshake; not needed on the wire since SASL
// continuation messages carry the raw bytes directly.
func FormatSASLLength(data string) string {
	return strconv.Itoa(len(data)) + ":" + data
}
