package sftpops

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEndpoint returns an endpoint that is only ever used with a mock transport.
func testEndpoint() Endpoint {
	return Endpoint{
		Host:                  "sftp.example.com",
		User:                  "testuser",
		Password:              "secret",
		InsecureIgnoreHostKey: true,
	}
}

// testPolicy retries without waiting.
func testPolicy(attempts int) ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: attempts, Delay: time.Millisecond}
}

// newTestOperations returns a connected Operations over a fresh mock
// transport. customize may adjust the options before New.
func newTestOperations(t *testing.T, customize func(*Options)) (*Operations, *mockTransport) {
	t.Helper()

	transport := newMockTransport()
	opts := Options{Reconnect: testPolicy(1)}
	if customize != nil {
		customize(&opts)
	}

	ops, err := New(testEndpoint(), opts, WithTransport(transport), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ops.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(ops.Disconnect)
	return ops, transport
}

// assertKind fails unless err wraps kind.
func assertKind(t *testing.T, err, kind error) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected %v error, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v error, got %v", kind, err)
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %T", err)
	}
}

// generateTestRSAKey creates a test RSA private key and returns both PEM-encoded
// key content and a path to a temp file containing the key.
func generateTestRSAKey(t *testing.T) (string, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	privateKeyBytes := x509.MarshalPKCS1PrivateKey(privateKey)
	privateKeyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privateKeyBytes,
	}))

	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "test_key")
	if err := os.WriteFile(keyPath, []byte(privateKeyPEM), 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}

	return privateKeyPEM, keyPath
}

// generateTestPublicKey generates a public key from an RSA private key for use in tests.
func generateTestPublicKey(t *testing.T, privateKeyPEM string) string {
	t.Helper()

	signer, err := gossh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		t.Fatalf("failed to parse private key: %v", err)
	}
	return string(gossh.MarshalAuthorizedKey(signer.PublicKey()))
}

// createTempFile creates a temporary file with the given content.
func createTempFile(t *testing.T, content []byte) string {
	t.Helper()

	tmpFile := filepath.Join(t.TempDir(), "test_file")
	if err := os.WriteFile(tmpFile, content, 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	return tmpFile
}

// createTestFileStructure creates a directory structure with files for testing.
// Files is a map of relative path -> content.
func createTestFileStructure(t *testing.T, files map[string][]byte) string {
	t.Helper()

	tmpDir := t.TempDir()

	for relPath, content := range files {
		fullPath := filepath.Join(tmpDir, relPath)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatalf("failed to create directory: %v", err)
		}
		if err := os.WriteFile(fullPath, content, 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}

	return tmpDir
}

// assertFileContents verifies that a file has the expected content.
func assertFileContents(t *testing.T, path string, expected []byte) {
	t.Helper()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("failed to read file %s: %v", path, err)
		return
	}

	if string(content) != string(expected) {
		t.Errorf("file content mismatch:\nexpected: %q\ngot: %q", string(expected), string(content))
	}
}

// assertFileExists verifies that a file exists.
func assertFileExists(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file to exist: %s", path)
	}
}

// assertFileNotExists verifies that a file does not exist.
func assertFileNotExists(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); err == nil {
		t.Errorf("expected file to not exist: %s", path)
	}
}

// assertRemoteContents verifies the content of a file in the mock file system.
func assertRemoteContents(t *testing.T, fsys *mockFS, path string, expected string) {
	t.Helper()

	content, ok := fsys.File(path)
	if !ok {
		t.Errorf("expected remote file %s to exist", path)
		return
	}
	if string(content) != expected {
		t.Errorf("remote %s content mismatch:\nexpected: %q\ngot: %q", path, expected, string(content))
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
