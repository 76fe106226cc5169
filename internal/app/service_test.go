package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pbp/go-pbp/internal/config"
	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/metrics"
	"pbp/go-pbp/internal/passphrase"
	"pbp/go-pbp/internal/securestore"
)

var testKDF = securestore.Params{Time: 1, MemoryKB: 64, Threads: 1}

type harness struct {
	t        *testing.T
	basedir  string
	pass     string
	textfile string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{t: t, basedir: t.TempDir(), pass: "correct horse"}
}

type result struct {
	stdout string
	stderr string
	err    error
}

func (h *harness) run(req Request, stdin string) result {
	h.t.Helper()
	cfg := config.Default()
	cfg.Basedir = h.basedir
	cfg.KDF = testKDF
	cfg.Metrics.Textfile = h.textfile
	var stdout, stderr bytes.Buffer
	svc, err := New(Options{
		Config:     cfg,
		Passphrase: passphrase.Static(h.pass),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    metrics.New(),
		Stdin:      strings.NewReader(stdin),
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	if err != nil {
		h.t.Fatalf("new service: %v", err)
	}
	runErr := svc.Run(context.Background(), req)
	if err := svc.Close(); err != nil {
		h.t.Fatalf("close service: %v", err)
	}
	return result{stdout: stdout.String(), stderr: stderr.String(), err: runErr}
}

func (h *harness) mustRun(req Request, stdin string) result {
	h.t.Helper()
	res := h.run(req, stdin)
	if res.err != nil {
		h.t.Fatalf("%s failed: %v (stderr %q)", req.Action, res.err, res.stderr)
	}
	return res
}

func (h *harness) genKey(name string) string {
	h.t.Helper()
	return strings.TrimSpace(h.mustRun(Request{Action: ActionGenKey, Name: name}, "").stdout)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func TestHybridEncryptDecrypt(t *testing.T) {
	h := newHarness(t)
	h.genKey("alice")
	h.genKey("bob")
	work := t.TempDir()
	in := writeFile(t, work, "note.txt", "hello bob")

	h.mustRun(Request{Action: ActionEncrypt, Self: "alice", Recipients: []string{"bob"}, Infile: in}, "")
	packet := readFile(t, in+".pbp")
	if packet[0] != 5 {
		t.Fatalf("expected hybrid packet type, got %d", packet[0])
	}

	res := h.mustRun(Request{Action: ActionDecrypt, Self: "bob", Infile: in + ".pbp"}, "")
	if res.stdout != "hello bob" {
		t.Fatalf("unexpected plaintext %q", res.stdout)
	}
	if !strings.Contains(res.stderr, "good message from alice") {
		t.Fatalf("sender not reported: %q", res.stderr)
	}

	packet[len(packet)-1] ^= 0x01
	tampered := filepath.Join(work, "tampered.pbp")
	if err := os.WriteFile(tampered, packet, 0o600); err != nil {
		t.Fatalf("write tampered: %v", err)
	}
	res = h.run(Request{Action: ActionDecrypt, Self: "bob", Infile: tampered}, "")
	if !errors.Is(res.err, contracts.ErrAuthenticationFailure) {
		t.Fatalf("expected authentication failure, got %v", res.err)
	}
	if res.stdout != "" {
		t.Fatalf("no plaintext may be written on failure, got %q", res.stdout)
	}
}

func TestDecryptHybridNeedsSelf(t *testing.T) {
	h := newHarness(t)
	h.genKey("alice")
	h.genKey("bob")
	enc := h.mustRun(Request{Action: ActionEncrypt, Self: "alice", Recipients: []string{"bob"}}, "x")
	res := h.run(Request{Action: ActionDecrypt}, enc.stdout)
	if !errors.Is(res.err, contracts.ErrUsage) {
		t.Fatalf("expected usage error, got %v", res.err)
	}
}

func TestSymmetricEncryptDecrypt(t *testing.T) {
	h := newHarness(t)
	h.pass = "p@ss"
	out := filepath.Join(t.TempDir(), "secret.pbp")
	h.mustRun(Request{Action: ActionEncrypt, Outfile: out}, "secret")
	if readFile(t, out)[0] != 23 {
		t.Fatal("expected symmetric packet type")
	}

	res := h.mustRun(Request{Action: ActionDecrypt, Infile: out}, "")
	if res.stdout != "secret" {
		t.Fatalf("unexpected plaintext %q", res.stdout)
	}

	h.pass = "wrong"
	res = h.run(Request{Action: ActionDecrypt, Infile: out}, "")
	if !errors.Is(res.err, contracts.ErrAuthenticationFailure) {
		t.Fatalf("expected authentication failure, got %v", res.err)
	}
	if res.stdout != "" {
		t.Fatalf("wrong passphrase must not yield plaintext, got %q", res.stdout)
	}
}

func TestArmoredEncryptRoundTrip(t *testing.T) {
	h := newHarness(t)
	enc := h.mustRun(Request{Action: ActionEncrypt, Armor: true}, "line one\x00line two")
	for _, line := range strings.Split(strings.TrimSpace(enc.stdout), "\n") {
		if len(line) > 64 || strings.ContainsAny(line, "\x00\r") {
			t.Fatalf("armored packet must be short printable lines: %q", enc.stdout)
		}
	}
	dec := h.mustRun(Request{Action: ActionDecrypt}, enc.stdout)
	if dec.stdout != "line one\x00line two" {
		t.Fatalf("unexpected plaintext %q", dec.stdout)
	}
}

func TestArmoredHybridLargeMessage(t *testing.T) {
	h := newHarness(t)
	h.genKey("alice")
	h.genKey("bob")
	msg := strings.Repeat("forward me to bob, ", 1<<16)

	enc := h.mustRun(Request{Action: ActionEncrypt, Self: "alice", Recipients: []string{"bob"}, Armor: true}, msg)
	dec := h.mustRun(Request{Action: ActionDecrypt, Self: "bob"}, enc.stdout)
	if dec.stdout != msg {
		t.Fatalf("large armored message did not round trip (%d bytes back)", len(dec.stdout))
	}
}

func TestSignVerify(t *testing.T) {
	h := newHarness(t)
	h.genKey("alice")
	h.genKey("bob")
	in := writeFile(t, t.TempDir(), "release.txt", "release v1.0")

	h.mustRun(Request{Action: ActionSign, Self: "alice", Infile: in}, "")
	res := h.mustRun(Request{Action: ActionVerify, Infile: in + ".sig"}, "")
	if res.stdout != "release v1.0" {
		t.Fatalf("unexpected message %q", res.stdout)
	}
	if !strings.Contains(res.stderr, "good message from alice") {
		t.Fatalf("signer not reported: %q", res.stderr)
	}

	signed := readFile(t, in+".sig")
	for _, i := range []int{0, 31, 32, 63} {
		flipped := append([]byte(nil), signed...)
		flipped[i] ^= 0x80
		res := h.run(Request{Action: ActionVerify}, string(flipped))
		if !errors.Is(res.err, contracts.ErrVerificationFailure) {
			t.Fatalf("byte %d: expected verification failure, got %v", i, res.err)
		}
	}
}

func TestArmoredSignature(t *testing.T) {
	h := newHarness(t)
	h.genKey("alice")
	signed := h.mustRun(Request{Action: ActionSign, Self: "alice", Armor: true}, "hello\nworld")
	if !strings.HasPrefix(signed.stdout, "nacl-") {
		t.Fatalf("expected armored signature, got %q", signed.stdout)
	}
	res := h.mustRun(Request{Action: ActionVerify}, signed.stdout)
	if res.stdout != "hello\nworld" {
		t.Fatalf("unexpected message %q", res.stdout)
	}
}

func TestForwardSecretChaining(t *testing.T) {
	h := newHarness(t)
	h.genKey("alice")
	h.genKey("bob")
	work := t.TempDir()

	var packets []string
	for i, msg := range []string{"msg1", "msg2"} {
		out := filepath.Join(work, "m"+string(rune('1'+i))+".pbp")
		h.mustRun(Request{Action: ActionForwardEncrypt, Self: "alice", Recipients: []string{"bob"}, Outfile: out}, msg)
		packets = append(packets, out)
	}

	for i, want := range []string{"msg1", "msg2"} {
		res := h.mustRun(Request{Action: ActionForwardDecrypt, Self: "bob", Recipients: []string{"alice"}, Infile: packets[i]}, "")
		if res.stdout != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, res.stdout)
		}
	}

	res := h.run(Request{Action: ActionForwardDecrypt, Self: "bob", Recipients: []string{"alice"}, Infile: packets[1]}, "")
	if !errors.Is(res.err, contracts.ErrChainDesync) {
		t.Fatalf("replay must fail with chain desync, got %v", res.err)
	}

	out := filepath.Join(work, "m3.pbp")
	h.mustRun(Request{Action: ActionForwardEncrypt, Self: "alice", Recipients: []string{"bob"}, Outfile: out}, "msg3")
	res = h.mustRun(Request{Action: ActionForwardDecrypt, Self: "bob", Recipients: []string{"alice"}, Infile: out}, "")
	if res.stdout != "msg3" {
		t.Fatalf("chain must keep working after a replay, got %q", res.stdout)
	}
}

func TestForwardDecryptRetryAfterFailedWrite(t *testing.T) {
	h := newHarness(t)
	h.genKey("alice")
	h.genKey("bob")
	work := t.TempDir()
	packet := filepath.Join(work, "m1.pbp")
	h.mustRun(Request{Action: ActionForwardEncrypt, Self: "alice", Recipients: []string{"bob"}, Outfile: packet}, "msg1")

	blocker := writeFile(t, work, "blocker", "not a directory")
	res := h.run(Request{
		Action:     ActionForwardDecrypt,
		Self:       "bob",
		Recipients: []string{"alice"},
		Infile:     packet,
		Outfile:    filepath.Join(blocker, "plain.txt"),
	}, "")
	if res.err == nil {
		t.Fatal("expected the output write to fail")
	}

	plain := filepath.Join(work, "plain.txt")
	h.mustRun(Request{Action: ActionForwardDecrypt, Self: "bob", Recipients: []string{"alice"}, Infile: packet, Outfile: plain}, "")
	if got := string(readFile(t, plain)); got != "msg1" {
		t.Fatalf("retry must decrypt the same packet, got %q", got)
	}
	res = h.run(Request{Action: ActionForwardDecrypt, Self: "bob", Recipients: []string{"alice"}, Infile: packet}, "")
	if !errors.Is(res.err, contracts.ErrChainDesync) {
		t.Fatalf("delivered packet must not decrypt twice, got %v", res.err)
	}
}

func TestForwardModeRejectsSeveralRecipientsBeforeIO(t *testing.T) {
	h := newHarness(t)
	work := t.TempDir()
	out := filepath.Join(work, "never.pbp")
	res := h.run(Request{
		Action:     ActionForwardEncrypt,
		Self:       "alice",
		Recipients: []string{"bob", "carol"},
		Infile:     filepath.Join(work, "missing.txt"),
		Outfile:    out,
	}, "")
	if !errors.Is(res.err, contracts.ErrRecipientCount) {
		t.Fatalf("expected recipient count error, got %v", res.err)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("no output may be written, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(h.basedir, "chaining")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("no chain state may be created, stat err=%v", err)
	}
}

func TestExportImportAndCheckSigs(t *testing.T) {
	home := newHarness(t)
	home.genKey("alice")
	home.genKey("carol")

	exported := home.mustRun(Request{Action: ActionExportKey, Self: "alice"}, "")
	if strings.Count(exported.stdout, "\n") != 1 {
		t.Fatalf("export must be a single line: %q", exported.stdout)
	}

	fresh := newHarness(t)
	res := fresh.mustRun(Request{Action: ActionImportKey}, exported.stdout)
	if !strings.Contains(res.stderr, "alice") {
		t.Fatalf("import not reported: %q", res.stderr)
	}
	res = fresh.mustRun(Request{Action: ActionCheckSigs, Name: "alice"}, "")
	if res.stdout != "no good signatures on alice\n" {
		t.Fatalf("unexpected endorsements %q", res.stdout)
	}

	home.mustRun(Request{Action: ActionMasterSign, Name: "alice", Self: "carol"}, "")
	res = home.mustRun(Request{Action: ActionCheckSigs, Name: "alice"}, "")
	if res.stdout != "good signatures on alice from carol\n" {
		t.Fatalf("unexpected endorsements %q", res.stdout)
	}
}

func TestImportRejectsMalformedInput(t *testing.T) {
	home := newHarness(t)
	home.genKey("alice")
	exported := home.mustRun(Request{Action: ActionExportKey, Self: "alice"}, "")

	fresh := newHarness(t)
	res := fresh.run(Request{Action: ActionImportKey}, "not base58 0OIl")
	if !errors.Is(res.err, contracts.ErrCorruptPacket) {
		t.Fatalf("expected corrupt packet, got %v", res.err)
	}
	res = fresh.run(Request{Action: ActionImportKey}, "")
	if !errors.Is(res.err, contracts.ErrCorruptPacket) {
		t.Fatalf("expected corrupt packet for empty input, got %v", res.err)
	}
	// Importing the same export twice is accepted.
	fresh.mustRun(Request{Action: ActionImportKey}, exported.stdout)
	fresh.mustRun(Request{Action: ActionImportKey}, exported.stdout)
}

func TestListAndListSecret(t *testing.T) {
	home := newHarness(t)
	home.genKey("alice")
	home.genKey("dave")
	exported := home.mustRun(Request{Action: ActionExportKey, Self: "dave"}, "")

	other := newHarness(t)
	other.genKey("alice")
	other.mustRun(Request{Action: ActionImportKey}, exported.stdout)

	public := strings.Split(strings.TrimSpace(other.mustRun(Request{Action: ActionList}, "").stdout), "\n")
	if len(public) != 2 || !strings.HasSuffix(public[0], " alice") || !strings.HasSuffix(public[1], " dave") {
		t.Fatalf("unexpected public listing %q", public)
	}
	for _, line := range public {
		if !strings.HasPrefix(line, "valid ") {
			t.Fatalf("fresh keys must be valid: %q", line)
		}
	}
	secret := strings.TrimSpace(other.mustRun(Request{Action: ActionListSecret}, "").stdout)
	if strings.Contains(secret, "dave") || !strings.HasSuffix(secret, " alice") {
		t.Fatalf("unexpected secret listing %q", secret)
	}
}

func TestRestoreKeyReproducesKeyID(t *testing.T) {
	home := newHarness(t)
	mnemonic := home.genKey("alice")
	original := home.mustRun(Request{Action: ActionList}, "").stdout

	fresh := newHarness(t)
	res := fresh.mustRun(Request{Action: ActionRestoreKey, Name: "alice"}, mnemonic+"\n")
	if !strings.Contains(res.stderr, "restored") {
		t.Fatalf("restore not reported: %q", res.stderr)
	}
	restored := fresh.mustRun(Request{Action: ActionList}, "").stdout
	if original != restored {
		t.Fatalf("restored key differs:\n%s\n%s", original, restored)
	}

	res = fresh.run(Request{Action: ActionRestoreKey, Name: "alice"}, mnemonic)
	if !errors.Is(res.err, contracts.ErrIdentityExists) {
		t.Fatalf("expected identity exists, got %v", res.err)
	}
}

func TestValidateUsage(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"no action", Request{}, contracts.ErrUsage},
		{"gen-key without name", Request{Action: ActionGenKey}, contracts.ErrUsage},
		{"check-sigs without name", Request{Action: ActionCheckSigs}, contracts.ErrUsage},
		{"master-sign without self", Request{Action: ActionMasterSign, Name: "alice"}, contracts.ErrUsage},
		{"sign without self", Request{Action: ActionSign}, contracts.ErrUsage},
		{"export without self", Request{Action: ActionExportKey}, contracts.ErrUsage},
		{"encrypt with self only", Request{Action: ActionEncrypt, Self: "alice"}, contracts.ErrUsage},
		{"encrypt with recipient only", Request{Action: ActionEncrypt, Recipients: []string{"bob"}}, contracts.ErrUsage},
		{"fcrypt without recipient", Request{Action: ActionForwardEncrypt, Self: "alice"}, contracts.ErrUsage},
		{"fdecrypt with two recipients", Request{Action: ActionForwardDecrypt, Self: "bob", Recipients: []string{"a", "c"}}, contracts.ErrRecipientCount},
		{"fcrypt without self", Request{Action: ActionForwardEncrypt, Recipients: []string{"bob"}}, contracts.ErrUsage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	for _, req := range []Request{
		{Action: ActionEncrypt},
		{Action: ActionDecrypt},
		{Action: ActionList},
		{Action: ActionVerify},
		{Action: ActionImportKey},
	} {
		if err := Validate(req); err != nil {
			t.Fatalf("%s: unexpected usage error %v", req.Action, err)
		}
	}
}

func TestUnknownIdentity(t *testing.T) {
	h := newHarness(t)
	res := h.run(Request{Action: ActionSign, Self: "nobody"}, "data")
	if !errors.Is(res.err, contracts.ErrIdentityNotFound) {
		t.Fatalf("expected identity not found, got %v", res.err)
	}
}

func TestMetricsTextfileExport(t *testing.T) {
	h := newHarness(t)
	h.textfile = filepath.Join(t.TempDir(), "pbp.prom")
	h.genKey("alice")
	data := string(readFile(t, h.textfile))
	if !strings.Contains(data, `pbp_operations_total{operation="gen-key",result="ok"} 1`) {
		t.Fatalf("gen-key not recorded:\n%s", data)
	}

	// Every process exports only its own counters.
	h.run(Request{Action: ActionSign}, "")
	data = string(readFile(t, h.textfile))
	if strings.Contains(data, `operation="gen-key"`) {
		t.Fatalf("stale counters left in textfile:\n%s", data)
	}
	if !strings.Contains(data, `pbp_errors_total{category="usage"} 1`) {
		t.Fatalf("usage error not recorded:\n%s", data)
	}
}
