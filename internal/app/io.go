package app

import (
	"fmt"
	"io"
	"os"

	"pbp/go-pbp/internal/securestore"
)

const (
	packetFileMode    = 0o644
	plaintextFileMode = 0o600

	encryptedExt = ".pbp"
	signatureExt = ".sig"
)

func (s *Service) readInput(req Request) ([]byte, error) {
	if req.Infile == "" {
		return io.ReadAll(s.stdin)
	}
	return os.ReadFile(req.Infile)
}

// writeOutput replaces path atomically, or writes to stdout when path is
// empty.
func (s *Service) writeOutput(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		_, err := s.stdout.Write(data)
		return err
	}
	return securestore.WriteFileAtomic(path, data, perm)
}

// writeOutputThen delivers data and runs persist so that a failed delivery
// never leaves persist applied. A file is staged, persisted, then renamed
// into place. Stdout cannot be staged, so it is written before persist.
func (s *Service) writeOutputThen(path string, data []byte, perm os.FileMode, persist func() error) error {
	if path == "" {
		if _, err := s.stdout.Write(data); err != nil {
			return err
		}
		return persist()
	}
	staged, err := securestore.StageFile(path, data, perm)
	if err != nil {
		return err
	}
	defer staged.Discard()
	if err := persist(); err != nil {
		return err
	}
	return staged.Commit()
}

// outputPath is the explicit output file, else the input file plus ext, else
// stdout.
func outputPath(req Request, ext string) string {
	if req.Outfile != "" {
		return req.Outfile
	}
	if req.Infile != "" {
		return req.Infile + ext
	}
	return ""
}

func (s *Service) report(format string, args ...any) {
	_, _ = fmt.Fprintf(s.stderr, format+"\n", args...)
}
