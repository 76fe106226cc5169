package app

import (
	"bytes"
	"context"
	"fmt"

	"pbp/go-pbp/internal/armor"
	"pbp/go-pbp/internal/certify"
	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/pkg/models"
)

func (s *Service) genKey(ctx context.Context, req Request) error {
	id, mnemonic, err := s.ids.Create(ctx, req.Name)
	if err != nil {
		return err
	}
	s.report("created %s %s, store the recovery phrase offline", id.KeyID(), id.Name)
	_, err = fmt.Fprintln(s.stdout, mnemonic)
	return err
}

func (s *Service) restoreKey(ctx context.Context, req Request) error {
	data, err := s.readInput(req)
	if err != nil {
		return err
	}
	defer wipe(data)
	id, err := s.ids.Restore(ctx, req.Name, string(data))
	if err != nil {
		return err
	}
	s.report("restored %s %s", id.KeyID(), id.Name)
	return nil
}

// list prints "<valid|invalid> <keyid> <name>" per identity. Secret listing
// is limited to identities with a secret record.
func (s *Service) list(secret bool) error {
	all, err := s.ids.LoadAll()
	if err != nil {
		return err
	}
	now := s.ids.Now()
	for _, id := range all {
		if secret && !id.Owned() {
			continue
		}
		info := models.KeyInfo{
			Name:       id.Name,
			KeyID:      id.KeyID(),
			Status:     models.KeyStatus(id.Valid(now)),
			Owned:      id.Owned(),
			Created:    id.Created,
			ValidUntil: id.ValidUntil,
		}
		if _, err := fmt.Fprintln(s.stdout, info.String()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sign(ctx context.Context, req Request) error {
	data, err := s.readInput(req)
	if err != nil {
		return err
	}
	me, err := s.ids.Load(req.Self)
	if err != nil {
		return err
	}
	defer me.Wipe()
	signed, err := me.Sign(ctx, data, false)
	if err != nil {
		return err
	}
	if req.Armor {
		armored, err := armor.ArmorSignature(signed)
		if err != nil {
			return err
		}
		return s.writeOutput(req.Outfile, armored, packetFileMode)
	}
	return s.writeOutput(outputPath(req, signatureExt), signed, packetFileMode)
}

func (s *Service) verify(req Request) error {
	data, err := s.readInput(req)
	if err != nil {
		return err
	}
	if armor.IsArmoredSignature(data) {
		if data, err = armor.DearmorSignature(data); err != nil {
			return err
		}
	}
	signer, msg, err := s.ids.Verify(data, false)
	if err != nil {
		return err
	}
	if err := s.writeOutput(req.Outfile, msg, plaintextFileMode); err != nil {
		return err
	}
	s.report("good message from %s", signer)
	return nil
}

// masterSign endorses the key named by req.Name with req.Self's master key.
func (s *Service) masterSign(ctx context.Context, req Request) error {
	me, err := s.ids.Load(req.Self)
	if err != nil {
		return err
	}
	defer me.Wipe()
	if err := certify.CounterSign(ctx, s.ids, req.Name, me); err != nil {
		return err
	}
	s.logInfo(ActionMasterSign, "key endorsed", "signer", req.Self, "peer", req.Name)
	return nil
}

func (s *Service) checkSigs(req Request) error {
	endorsers, err := certify.Check(s.ids, req.Name)
	if err != nil {
		return err
	}
	report := models.Endorsements{Name: req.Name, Endorsers: endorsers}
	_, err = fmt.Fprintln(s.stdout, report.String())
	return err
}

func (s *Service) exportKey(ctx context.Context, req Request) error {
	me, err := s.ids.Load(req.Self)
	if err != nil {
		return err
	}
	defer me.Wipe()
	packet, err := certify.Export(ctx, me)
	if err != nil {
		return err
	}
	return s.writeOutput(req.Outfile, []byte(armor.EncodeLine(packet)+"\n"), packetFileMode)
}

// importKey reads the first line of the input as an exported key.
func (s *Service) importKey(req Request) error {
	data, err := s.readInput(req)
	if err != nil {
		return err
	}
	line, _, _ := bytes.Cut(bytes.TrimLeft(data, " \t\r\n"), []byte("\n"))
	if len(bytes.TrimSpace(line)) == 0 {
		return fmt.Errorf("no exported key in input: %w", contracts.ErrCorruptPacket)
	}
	packet, err := armor.DecodeLine(string(line))
	if err != nil {
		return err
	}
	peer, err := certify.Import(s.ids, packet)
	if err != nil {
		return err
	}
	s.report("imported public keys for %s %s", peer.KeyID(), peer.Name)
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
