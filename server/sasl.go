package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
)

var (
	ErrAuthCancelled = errors.New("authentication cancelled by client")
	ErrAuthDecode    = errors.New("cannot decode sasl response")
	ErrAuthMechanism = errors.New("unsupported sasl mechanism")
)

// Mechanisms offered by both engines.
var AuthMechanisms = []string{sasl.Plain, sasl.Login}

// NewAuthServer returns a SASL server for mechanism that accepts any
// credentials and hands only the username to accept. Passwords never leave
// the mechanism.
func NewAuthServer(mechanism string, accept func(username string)) (sasl.Server, error) {
	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		return &plainServer{
			Server: sasl.NewPlainServer(func(identity, username, _ string) error {
				if username == "" {
					username = identity
				}
				accept(username)
				return nil
			}),
			accept: accept,
		}, nil
	case sasl.Login:
		return &loginServer{accept: accept}, nil
	default:
		return nil, ErrAuthMechanism
	}
}

// plainServer also takes the two-field "username NUL password" form some
// clients send in place of the RFC 4616 triple.
type plainServer struct {
	sasl.Server
	accept func(string)
}

func (s *plainServer) Next(response []byte) ([]byte, bool, error) {
	if bytes.Count(response, []byte{0}) == 1 {
		username, _, _ := bytes.Cut(response, []byte{0})
		s.accept(string(username))
		return nil, true, nil
	}
	return s.Server.Next(response)
}

// loginServer is the server side of the obsolete LOGIN mechanism, which
// go-sasl only ships a client for.
type loginServer struct {
	accept   func(string)
	username string
	step     int
}

func (s *loginServer) Next(response []byte) ([]byte, bool, error) {
	switch s.step {
	case 0:
		s.step = 1
		if response == nil {
			return []byte("Username:"), false, nil
		}
		fallthrough
	case 1:
		s.username = string(response)
		s.step = 2
		return []byte("Password:"), false, nil
	case 2:
		s.step = 3
		s.accept(s.username)
		return nil, true, nil
	default:
		return nil, false, sasl.ErrUnexpectedClientResponse
	}
}

// SASLExchange drives srv over a line protocol. initial is the optional
// initial response from the command line ("=" is an empty one). Challenges
// are passed base64 encoded to challenge; readLine returns the next client
// line without its terminator.
func SASLExchange(srv sasl.Server, initial string, challenge func(string) error, readLine func() (string, error)) error {
	var resp []byte
	if initial != "" {
		var err error
		if resp, err = decodeSASL(initial); err != nil {
			return err
		}
	}
	for {
		chal, done, err := srv.Next(resp)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := challenge(base64.StdEncoding.EncodeToString(chal)); err != nil {
			return err
		}
		line, err := readLine()
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "*" {
			return ErrAuthCancelled
		}
		if resp, err = decodeSASL(line); err != nil {
			return err
		}
	}
}

func decodeSASL(s string) ([]byte, error) {
	if s == "=" {
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrAuthDecode
	}
	return b, nil
}
