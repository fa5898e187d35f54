// Package auth drives the Postgres authentication sub-state-machine
// (component C): component D hands it a freshly opened transport right
// after the startup message and expects either AuthenticationOK or a
// classified error back.
//
// Grounded on the teacher's authenticatePG/sendPasswordMessage/
// computeMD5Password dispatch (internal/pool/pool.go) and its SCRAM
// implementation (internal/pool/scram.go), generalized from "pre-
// authenticate a pooled connection" into a reusable driver any Connection
// can call during its Starting→Authenticating transition.
package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/sqlx-go/sqlx/internal/pgproto"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
	"github.com/sqlx-go/sqlx/internal/wire"
)

// Unsupported reports that the server demanded a mechanism the client
// does not implement (spec §4.C: AuthError::Unsupported{mechanism}).
func Unsupported(mechanism string) error {
	return sqlerr.New(sqlerr.Auth, fmt.Sprintf("unsupported authentication mechanism: %s", mechanism))
}

// BadCredentials reports a well-formed rejection from the server (spec
// §4.C: AuthError::BadCredentials).
func BadCredentials(detail string) error {
	return sqlerr.New(sqlerr.Auth, "bad credentials: "+detail)
}

// Params carries what the driver needs to complete any mechanism the
// server may ask for.
type Params struct {
	User     string
	Password string
	// ChannelBinding carries TLS channel-binding data from the caller.
	// SCRAM does not read it: the client always sends the "n,," GS2
	// header (no channel binding), so "tls-server-end-point" and
	// SCRAM-SHA-256-PLUS are not negotiated.
	ChannelBinding []byte
}

// Run drives the handshake to completion, returning nil once the server
// sends AuthenticationOK. r/w must already have the startup message sent
// and be positioned to read the server's first response.
func Run(r *wire.PGReader, w *wire.PGWriter, p Params) error {
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return err
		}
		msg, err := pgproto.DecodeBackend(frame)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case pgproto.AuthenticationOK:
			return nil
		case pgproto.AuthenticationCleartextPassword:
			if err := sendPassword(w, p.Password); err != nil {
				return err
			}
		case pgproto.AuthenticationMD5Password:
			hashed := md5Password(p.User, p.Password, m.Salt)
			if err := sendPassword(w, hashed); err != nil {
				return err
			}
		case pgproto.AuthenticationGSS:
			return Unsupported("gss/sspi")
		case pgproto.AuthenticationSASL:
			if err := runSCRAM(r, w, p, m.Mechanisms); err != nil {
				return err
			}
		case pgproto.ErrorResponse:
			return BadCredentials(m.Fields['M'])
		default:
			return sqlerr.New(sqlerr.Protocol, fmt.Sprintf("unexpected message during authentication: %T", msg))
		}
	}
}

func sendPassword(w *wire.PGWriter, password string) error {
	if err := w.WriteFrame(pgproto.EncodePasswordMessage(password)); err != nil {
		return err
	}
	return w.Flush()
}

// md5Password implements Postgres's MD5 challenge: "md5" +
// md5(md5(password+user) + salt).
func md5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	outer := md5.Sum(append([]byte(hex.EncodeToString(inner[:])), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}
