package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"pbp/go-pbp/internal/chaining"
	"pbp/go-pbp/internal/config"
	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/identity"
	"pbp/go-pbp/internal/keyring"
	"pbp/go-pbp/internal/metrics"
	"pbp/go-pbp/internal/passphrase"
	"pbp/go-pbp/internal/platform/ratelimiter"
)

type Action string

const (
	ActionGenKey         Action = "gen-key"
	ActionRestoreKey     Action = "restore-key"
	ActionEncrypt        Action = "encrypt"
	ActionDecrypt        Action = "decrypt"
	ActionSign           Action = "sign"
	ActionMasterSign     Action = "master-sign"
	ActionVerify         Action = "verify"
	ActionList           Action = "list"
	ActionListSecret     Action = "list-secret"
	ActionExportKey      Action = "export-key"
	ActionImportKey      Action = "import-key"
	ActionCheckSigs      Action = "check-sigs"
	ActionForwardEncrypt Action = "fcrypt"
	ActionForwardDecrypt Action = "fdecrypt"
)

// Request is one parsed command line.
type Request struct {
	Action     Action
	Recipients []string
	Name       string
	Self       string
	Infile     string
	Outfile    string
	Armor      bool
}

type Options struct {
	Config     config.Config
	Passphrase passphrase.Provider
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Now        func() time.Time
}

// Service owns the passphrase session of one process. Close must be called
// when the process is done with it.
type Service struct {
	cfg     config.Config
	session *passphrase.Session
	ids     *identity.Manager
	chains  *chaining.Store
	metrics *metrics.Recorder
	logger  *slog.Logger
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

const (
	unlockRetryPerSec = 1
	unlockRetryBurst  = 1
)

func New(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = NewLogger(opts.Config.Logging, os.Stderr)
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ring, err := keyring.Open(opts.Config.Basedir)
	if err != nil {
		return nil, err
	}
	session := passphrase.NewSession(opts.Passphrase)
	return &Service{
		cfg:     opts.Config,
		session: session,
		ids: identity.NewManager(ring, session, identity.Options{
			KDF:      opts.Config.KDF,
			Lifetime: opts.Config.Identity.Lifetime,
			Now:      opts.Now,
			Logger:   opts.Logger,
			Limiter:  ratelimiter.New(unlockRetryPerSec, unlockRetryBurst, time.Minute),
		}),
		chains: chaining.NewStore(ring, chaining.Options{
			LockTimeout: opts.Config.Chaining.LockTimeout,
			MaxSkip:     opts.Config.Chaining.MaxSkip,
			Now:         opts.Now,
			Logger:      opts.Logger,
		}),
		metrics: opts.Metrics,
		logger:  opts.Logger,
		stdin:   opts.Stdin,
		stdout:  opts.Stdout,
		stderr:  opts.Stderr,
	}, nil
}

// Run checks usage, then performs the action.
func (s *Service) Run(ctx context.Context, req Request) error {
	started := time.Now()
	err := Validate(req)
	if err == nil {
		err = s.dispatch(ctx, req)
	}
	s.metrics.RecordOp(string(req.Action), started, err)
	if err != nil {
		s.recordError(req.Action, err, "identity", req.Self)
		return err
	}
	s.logInfo(req.Action, "action completed", "identity", req.Self)
	return nil
}

// Close forgets the cached passphrase and exports metrics when configured.
func (s *Service) Close() error {
	closeErr := s.session.Close()
	if err := s.metrics.WriteTextfile(s.cfg.Metrics.Textfile); err != nil {
		s.logger.Warn("metrics textfile export failed", "component", componentName, "error", err.Error())
	}
	return closeErr
}

func (s *Service) dispatch(ctx context.Context, req Request) error {
	switch req.Action {
	case ActionGenKey:
		return s.genKey(ctx, req)
	case ActionRestoreKey:
		return s.restoreKey(ctx, req)
	case ActionEncrypt:
		return s.encrypt(ctx, req)
	case ActionDecrypt:
		return s.decrypt(ctx, req)
	case ActionSign:
		return s.sign(ctx, req)
	case ActionMasterSign:
		return s.masterSign(ctx, req)
	case ActionVerify:
		return s.verify(req)
	case ActionList:
		return s.list(false)
	case ActionListSecret:
		return s.list(true)
	case ActionExportKey:
		return s.exportKey(ctx, req)
	case ActionImportKey:
		return s.importKey(req)
	case ActionCheckSigs:
		return s.checkSigs(req)
	case ActionForwardEncrypt:
		return s.forwardEncrypt(ctx, req)
	case ActionForwardDecrypt:
		return s.forwardDecrypt(ctx, req)
	default:
		return fmt.Errorf("unknown action %q: %w", req.Action, contracts.ErrUsage)
	}
}

// Validate reports missing parameters. It never reads files or keys.
func Validate(req Request) error {
	needName := func() error {
		if req.Name == "" {
			return fmt.Errorf("need to specify a key to operate on using --name: %w", contracts.ErrUsage)
		}
		return nil
	}
	needSelf := func() error {
		if req.Self == "" {
			return fmt.Errorf("need to specify your own key using --self: %w", contracts.ErrUsage)
		}
		return nil
	}
	needRecipient := func() error {
		if len(req.Recipients) == 0 {
			return fmt.Errorf("need to specify a recipient using --recipient: %w", contracts.ErrUsage)
		}
		return nil
	}

	switch req.Action {
	case "":
		return fmt.Errorf("no action given: %w", contracts.ErrUsage)
	case ActionGenKey, ActionRestoreKey, ActionCheckSigs:
		return needName()
	case ActionMasterSign:
		if err := needName(); err != nil {
			return err
		}
		return needSelf()
	case ActionSign, ActionExportKey:
		return needSelf()
	case ActionEncrypt:
		if len(req.Recipients) > 0 || req.Self != "" {
			if err := needSelf(); err != nil {
				return err
			}
			return needRecipient()
		}
	case ActionForwardEncrypt, ActionForwardDecrypt:
		if err := needRecipient(); err != nil {
			return err
		}
		if len(req.Recipients) > 1 {
			return fmt.Errorf("got %d recipients: %w", len(req.Recipients), contracts.ErrRecipientCount)
		}
		return needSelf()
	}
	return nil
}

func errorCategory(err error) string {
	return contracts.ErrorCategory(contracts.Classify(err))
}
