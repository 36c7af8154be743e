package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/perchmail/perchd/internal/store"
)

// SASL mechanism names.
const (
	MechPlain   = sasl.Plain
	MechLogin   = sasl.Login
	MechCRAMMD5 = "CRAM-MD5"
)

// NewServer builds a sasl.Server for one AUTH exchange. success is
// invoked with the account once the exchange completes.
func (h *Handler) NewServer(mech, remoteIP string, success func(*store.User)) (sasl.Server, error) {
	switch strings.ToUpper(mech) {
	case MechPlain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			user, err := h.Authenticate(username, password, remoteIP, MechPlain)
			if err != nil {
				return err
			}
			success(user)
			return nil
		}), nil
	case MechLogin:
		return &loginServer{handler: h, remoteIP: remoteIP, success: success}, nil
	case MechCRAMMD5:
		return &cramMD5Server{handler: h, remoteIP: remoteIP, success: success}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported mechanism %q", mech)
	}
}

// loginServer runs the server side of an AUTH LOGIN exchange: the
// Username: and Password: prompts, one response each. A client that
// sends the username as an initial response skips the first prompt.
type loginServer struct {
	handler  *Handler
	remoteIP string
	success  func(*store.User)
	username string
	gotUser  bool
}

func (s *loginServer) Next(response []byte) ([]byte, bool, error) {
	if response == nil {
		return []byte("Username:"), false, nil
	}
	if !s.gotUser {
		s.username = string(response)
		s.gotUser = true
		return []byte("Password:"), false, nil
	}
	user, err := s.handler.Authenticate(s.username, string(response), s.remoteIP, MechLogin)
	if err != nil {
		return nil, false, err
	}
	s.success(user)
	return nil, true, nil
}

// cramMD5Server runs the server side of a CRAM-MD5 exchange: one
// challenge out, one "username digest" response back.
type cramMD5Server struct {
	handler   *Handler
	remoteIP  string
	success   func(*store.User)
	challenge string
}

func (s *cramMD5Server) Next(response []byte) ([]byte, bool, error) {
	if s.challenge == "" {
		s.challenge = s.handler.NewChallenge()
		return []byte(s.challenge), false, nil
	}

	username, digest, ok := strings.Cut(string(response), " ")
	if !ok || username == "" || digest == "" {
		return nil, false, errors.New("auth: malformed CRAM-MD5 response")
	}
	user, err := s.handler.VerifyCRAMMD5(username, s.challenge, digest, s.remoteIP)
	if err != nil {
		return nil, false, err
	}
	s.success(user)
	return nil, true, nil
}
