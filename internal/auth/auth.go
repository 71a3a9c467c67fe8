// Package auth implements the authentication gate (§4.3): verifying a
// client's Authenticate command against the configured user table using the
// QUIC session's own exported keying material, so the password never rides
// the wire.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/postalsys/tuicd/internal/protocol"
	"github.com/postalsys/tuicd/internal/userid"
)

// ErrUnknownUser is returned when the Authenticate command's UUID is not in
// the user table.
var ErrUnknownUser = errors.New("auth: unknown user")

// ErrTokenMismatch is returned when the exporter output does not match the
// presented token.
var ErrTokenMismatch = errors.New("auth: token mismatch")

// exporterLabel is the fixed TLS exporter label the token is bound to
// (§4.3: "a fixed label and a context consisting of the UUID and the
// password").
const exporterLabel = "tuic authentication v1"

// Exporter derives TLS 1.3 keying material from a connection's session
// state, as implemented by transport.Conn.ExportKeyingMaterial.
type Exporter func(label string, context []byte, length int) ([]byte, error)

// Users maps a user UUID to its configured password.
type Users map[userid.UUID]string

// Gate validates Authenticate commands against a read-only user table.
type Gate struct {
	users Users
}

// New builds a Gate over a fixed, read-only user table (§5: "the user table
// is read-only after startup").
func New(users Users) *Gate {
	return &Gate{users: users}
}

// Verify checks cmd against the user table using exporter to derive the
// expected token. On success it returns the authenticated user's UUID.
func (g *Gate) Verify(cmd protocol.Authenticate, exporter Exporter) (userid.UUID, error) {
	user, err := userid.FromBytes(cmd.UUID[:])
	if err != nil {
		return userid.Zero, fmt.Errorf("%w: %v", ErrUnknownUser, err)
	}

	password, ok := g.users[user]
	if !ok {
		return userid.Zero, fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}

	context := make([]byte, 0, userid.Size+len(password))
	context = append(context, cmd.UUID[:]...)
	context = append(context, password...)

	expected, err := exporter(exporterLabel, context, protocol.TokenSize)
	if err != nil {
		return userid.Zero, fmt.Errorf("auth: exporter failed: %w", err)
	}

	if subtle.ConstantTimeCompare(expected, cmd.Token[:]) != 1 {
		return userid.Zero, ErrTokenMismatch
	}

	return user, nil
}

// Token computes the token a client would present for user/password over a
// given exporter, for use by test harnesses and client implementations.
func Token(user userid.UUID, password string, exporter Exporter) ([32]byte, error) {
	context := make([]byte, 0, userid.Size+len(password))
	context = append(context, user.Bytes()...)
	context = append(context, password...)

	raw, err := exporter(exporterLabel, context, protocol.TokenSize)
	if err != nil {
		return [32]byte{}, err
	}

	var token [32]byte
	copy(token[:], raw)
	return token, nil
}
