package app

import (
	"context"
	"fmt"

	"pbp/go-pbp/internal/armor"
	"pbp/go-pbp/internal/chaining"
	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/envelope"
	"pbp/go-pbp/internal/identity"
	"pbp/go-pbp/internal/passphrase"
	"pbp/go-pbp/internal/securestore"
)

// encrypt writes a hybrid packet when recipients are given and a
// passphrase-symmetric packet otherwise.
func (s *Service) encrypt(ctx context.Context, req Request) error {
	msg, err := s.readInput(req)
	if err != nil {
		return err
	}
	defer wipe(msg)

	var packet []byte
	if len(req.Recipients) > 0 {
		packet, err = s.encryptHybrid(ctx, req, msg)
	} else {
		packet, err = s.encryptSymmetric(ctx, msg)
	}
	if err != nil {
		return err
	}
	if req.Armor {
		packet = []byte(armor.EncodePacket(packet))
	}
	return s.writeOutput(outputPath(req, encryptedExt), packet, packetFileMode)
}

func (s *Service) encryptHybrid(ctx context.Context, req Request, msg []byte) ([]byte, error) {
	me, err := s.ids.Load(req.Self)
	if err != nil {
		return nil, err
	}
	defer me.Wipe()
	recipients := make([]*identity.Identity, 0, len(req.Recipients))
	for _, name := range req.Recipients {
		r, err := s.ids.Load(name)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	return me.Encrypt(ctx, msg, recipients)
}

func (s *Service) encryptSymmetric(ctx context.Context, msg []byte) ([]byte, error) {
	key, err := s.session.DeriveKey(ctx, passphrase.Request{Purpose: "message", Confirm: true}, s.cfg.KDF, securestore.KeySize)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	nonce, ct, err := securestore.SealSymmetric(key, msg)
	if err != nil {
		return nil, err
	}
	return envelope.MarshalSymmetric(&envelope.SymmetricPacket{Nonce: nonce, Ciphertext: ct}), nil
}

// decrypt dispatches on the packet type. Armored packets are recognized
// because base85 text never starts with a type byte.
func (s *Service) decrypt(ctx context.Context, req Request) error {
	data, err := s.readInput(req)
	if err != nil {
		return err
	}
	typ, err := envelope.PacketType(data)
	if err != nil {
		decoded, derr := armor.DecodePacket(string(data))
		if derr != nil {
			return err
		}
		data = decoded
		if typ, err = envelope.PacketType(data); err != nil {
			return err
		}
	}

	switch typ {
	case envelope.TypeHybrid:
		if req.Self == "" {
			return fmt.Errorf("need to specify your own key using --self: %w", contracts.ErrUsage)
		}
		me, err := s.ids.Load(req.Self)
		if err != nil {
			return err
		}
		defer me.Wipe()
		sender, msg, err := me.Decrypt(ctx, data)
		if err != nil {
			return err
		}
		defer wipe(msg)
		if err := s.writeOutput(req.Outfile, msg, plaintextFileMode); err != nil {
			return err
		}
		s.report("good message from %s", sender)
		return nil
	default:
		pkt, err := envelope.UnmarshalSymmetric(data)
		if err != nil {
			return err
		}
		key, err := s.session.DeriveKey(ctx, passphrase.Request{Purpose: "message"}, s.cfg.KDF, securestore.KeySize)
		if err != nil {
			return err
		}
		msg, err := securestore.OpenSymmetric(key, pkt.Nonce, pkt.Ciphertext)
		wipe(key)
		if err != nil {
			return err
		}
		defer wipe(msg)
		return s.writeOutput(req.Outfile, msg, plaintextFileMode)
	}
}

// openChain opens the ratchet between self and the single recipient. The
// static key exchange runs only when the pair has no state yet.
func (s *Service) openChain(ctx context.Context, req Request) (*chaining.Context, func(), error) {
	me, err := s.ids.Load(req.Self)
	if err != nil {
		return nil, nil, err
	}
	peer, err := s.ids.Load(req.Recipients[0])
	if err != nil {
		return nil, nil, err
	}
	c, err := s.chains.Open(ctx, me.Name, peer.Name, func(ctx context.Context) ([]byte, error) {
		return me.SharedSecret(ctx, peer)
	})
	if err != nil {
		me.Wipe()
		return nil, nil, err
	}
	release := func() {
		if err := c.Close(); err != nil {
			s.logger.Warn("chain unlock failed", "component", componentName, "error", err.Error())
		}
		me.Wipe()
	}
	return c, release, nil
}

// forwardEncrypt saves the advanced chain before any ciphertext leaves the
// process, so a message key is never handed out twice.
func (s *Service) forwardEncrypt(ctx context.Context, req Request) error {
	c, release, err := s.openChain(ctx, req)
	if err != nil {
		return err
	}
	defer release()

	msg, err := s.readInput(req)
	if err != nil {
		return err
	}
	defer wipe(msg)
	ct, nonce, err := c.Send(msg)
	if err != nil {
		return err
	}
	if err := c.Save(); err != nil {
		return err
	}
	packet := envelope.MarshalChain(&envelope.ChainPacket{Nonce: nonce, Ciphertext: ct})
	if err := s.writeOutput(outputPath(req, encryptedExt), packet, packetFileMode); err != nil {
		return err
	}
	s.logInfo(ActionForwardEncrypt, "chain message sealed", "peer", req.Recipients[0], "send_index", c.SendIndex())
	return nil
}

// forwardDecrypt advances the receive chain only once the plaintext is
// delivered, so a failed write can be retried with the same packet.
func (s *Service) forwardDecrypt(ctx context.Context, req Request) error {
	c, release, err := s.openChain(ctx, req)
	if err != nil {
		return err
	}
	defer release()

	data, err := s.readInput(req)
	if err != nil {
		return err
	}
	pkt, err := envelope.UnmarshalChain(data)
	if err != nil {
		return err
	}
	msg, err := c.Receive(pkt.Ciphertext, pkt.Nonce)
	if err != nil {
		return err
	}
	defer wipe(msg)
	if err := s.writeOutputThen(req.Outfile, msg, plaintextFileMode, c.Save); err != nil {
		return err
	}
	s.report("good message from %s", req.Recipients[0])
	return nil
}
