package dkim

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/foxzi/outreach/internal/models"
)

func TestKeyRecords(t *testing.T) {
	key, err := Generate("example.com", "outreach")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if got := key.RecordName(); got != "outreach._domainkey.example.com" {
		t.Errorf("RecordName() = %q", got)
	}

	txt, err := key.TXTRecord()
	if err != nil {
		t.Fatalf("TXTRecord() error = %v", err)
	}
	if !strings.HasPrefix(txt, "v=DKIM1; k=rsa; p=") {
		t.Errorf("TXTRecord() = %q", txt)
	}
}

func TestWriteAndReadKeyFile(t *testing.T) {
	key, err := Generate("example.com", "outreach")
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "keys", "example.com.pem")
	if err := key.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := ReadKeyFile(path)
	if err != nil {
		t.Fatalf("ReadKeyFile() error = %v", err)
	}
	if !loaded.Equal(key.Private) {
		t.Error("loaded key differs from written key")
	}

	if _, err := ReadKeyFile(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("ReadKeyFile() of missing file should fail")
	}
}

func TestSignerProducesVerifiableHeader(t *testing.T) {
	key, err := Generate("example.com", "outreach")
	if err != nil {
		t.Fatal(err)
	}

	msg := "From: hello@example.com\r\nTo: owner@shop.test\r\nSubject: Hi\r\n\r\nHello there\r\n"
	signed, err := NewSigner(key.Private, "example.com", "outreach").Sign([]byte(msg))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Fatalf("signed message does not start with DKIM-Signature: %q", signed[:40])
	}

	txt, _ := key.TXTRecord()
	opts := &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return []string{txt}, nil
		},
	}
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), opts)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(verifications) != 1 || verifications[0].Err != nil {
		t.Errorf("verification = %+v", verifications)
	}
}

func TestProviderForCredential(t *testing.T) {
	dir := t.TempDir()
	key, _ := Generate("example.com", "outreach")
	if err := key.WriteFile(filepath.Join(dir, "example.pem")); err != nil {
		t.Fatal(err)
	}

	p := NewProvider(dir)

	none, err := p.ForCredential(&models.Credential{ID: 1})
	if err != nil || none != nil {
		t.Errorf("ForCredential() without DKIM = %v, %v; want nil, nil", none, err)
	}

	c := &models.Credential{ID: 2, DKIMDomain: "example.com", DKIMSelector: "outreach", DKIMKeyFile: "example.pem"}
	first, err := p.ForCredential(c)
	if err != nil || first == nil {
		t.Fatalf("ForCredential() = %v, %v", first, err)
	}
	second, _ := p.ForCredential(c)
	if first != second {
		t.Error("ForCredential() should return the cached signer")
	}

	c.DKIMKeyFile = "missing.pem"
	if _, err := p.ForCredential(c); err == nil {
		t.Error("ForCredential() with missing key should fail")
	}
}
