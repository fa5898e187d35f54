package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/sqlx-go/sqlx/internal/pgproto"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
	"github.com/sqlx-go/sqlx/internal/wire"
)

const scramSHA256 = "SCRAM-SHA-256"

// runSCRAM drives RFC 5802 SASL/SCRAM-SHA-256, adapted from the pooled
// pre-authentication dance in the teacher's internal/pool/scram.go to
// operate over a wire.PGReader/PGWriter pair instead of a raw net.Conn.
func runSCRAM(r *wire.PGReader, w *wire.PGWriter, p Params, mechanisms []string) error {
	if !containsMechanism(mechanisms, scramSHA256) {
		return Unsupported(strings.Join(mechanisms, ","))
	}

	nonce, err := randomNonce(18)
	if err != nil {
		return sqlerr.Wrap(sqlerr.Auth, "generating scram nonce", err)
	}

	gs2Header := "n,,"
	clientFirstBare := "n=" + escapeUsername(p.User) + ",r=" + nonce
	clientFirst := gs2Header + clientFirstBare

	if err := w.WriteFrame(pgproto.EncodeSASLInitialResponse(scramSHA256, []byte(clientFirst))); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	frame, err := r.ReadFrame()
	if err != nil {
		return err
	}
	msg, err := pgproto.DecodeBackend(frame)
	if err != nil {
		return err
	}
	cont, ok := msg.(pgproto.AuthenticationSASLContinue)
	if !ok {
		if er, ok := msg.(pgproto.ErrorResponse); ok {
			return BadCredentials(er.Fields['M'])
		}
		return sqlerr.New(sqlerr.Protocol, fmt.Sprintf("expected SASLContinue, got %T", msg))
	}

	serverFirst := string(cont.Data)
	serverNonce, salt, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(serverNonce, nonce) {
		return sqlerr.New(sqlerr.Auth, "scram server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(p.Password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	channelBinding := base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalNoProof := "c=" + channelBinding + ",r=" + serverNonce

	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalNoProof
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinal := clientFinalNoProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := w.WriteFrame(pgproto.EncodeSASLResponse([]byte(clientFinal))); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	frame, err = r.ReadFrame()
	if err != nil {
		return err
	}
	msg, err = pgproto.DecodeBackend(frame)
	if err != nil {
		return err
	}
	final, ok := msg.(pgproto.AuthenticationSASLFinal)
	if !ok {
		if er, ok := msg.(pgproto.ErrorResponse); ok {
			return BadCredentials(er.Fields['M'])
		}
		return sqlerr.New(sqlerr.Protocol, fmt.Sprintf("expected SASLFinal, got %T", msg))
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(authMessage))
	gotSig, err := parseServerFinal(string(final.Data))
	if err != nil {
		return err
	}
	if !hmac.Equal(expectedSig, gotSig) {
		return sqlerr.New(sqlerr.Auth, "scram server signature mismatch, possible MITM")
	}
	return nil
}

func containsMechanism(list []string, want string) bool {
	for _, m := range list {
		if m == want {
			return true
		}
	}
	return false
}

func randomNonce(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// escapeUsername applies RFC 5802's SASLprep-adjacent escaping: "," and
// "=" are not permitted unescaped in the username attribute.
func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func parseServerFirst(s string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return "", nil, 0, sqlerr.New(sqlerr.Protocol, "malformed scram server-first message")
	}
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, sqlerr.Wrap(sqlerr.Protocol, "decoding scram salt", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, sqlerr.Wrap(sqlerr.Protocol, "parsing scram iteration count", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, sqlerr.New(sqlerr.Protocol, "incomplete scram server-first message")
	}
	return nonce, salt, iterations, nil
}

func parseServerFinal(s string) ([]byte, error) {
	for _, part := range strings.Split(s, ",") {
		if strings.HasPrefix(part, "v=") {
			return base64.StdEncoding.DecodeString(part[2:])
		}
	}
	return nil, sqlerr.New(sqlerr.Protocol, "scram server-final missing verifier")
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
