package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

func TestSecretPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	first, err := loadOrCreateSecret(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("secret length %d", len(first))
	}
	second, err := loadOrCreateSecret(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(first) != string(second) {
		t.Error("secret changed between loads")
	}

	info, err := os.Stat(filepath.Join(dir, "jwt.secret"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secret mode = %v", info.Mode().Perm())
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	secret, err := loadOrCreateSecret(t.TempDir())
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	token, err := issueDeviceToken(secret, "device-7")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := validateDeviceToken(secret, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id != "device-7" {
		t.Errorf("device id = %q", id)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	a, _ := loadOrCreateSecret(t.TempDir())
	b, _ := loadOrCreateSecret(t.TempDir())
	token, err := issueDeviceToken(a, "d1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := validateDeviceToken(b, token); err == nil {
		t.Fatal("token verified with wrong secret")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	secret, _ := loadOrCreateSecret(t.TempDir())
	claims := DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "d1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := validateDeviceToken(secret, signed); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestValidateRejectsUnsignedToken(t *testing.T) {
	secret, _ := loadOrCreateSecret(t.TempDir())
	claims := DeviceClaims{RegisteredClaims: jwt.RegisteredClaims{ID: "d1"}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := validateDeviceToken(secret, unsigned); err == nil {
		t.Fatal("alg=none token accepted")
	}
}

func TestPinHashRoundTrip(t *testing.T) {
	// The CLI side produces the hash; here only the daemon's check matters.
	raw, err := bcrypt.GenerateFromPassword([]byte("4711"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hash := string(raw)
	if !checkPin(hash, "4711") {
		t.Error("correct pin rejected")
	}
	if checkPin(hash, "0000") {
		t.Error("wrong pin accepted")
	}
	if checkPin("not-a-hash", "4711") {
		t.Error("garbage hash accepted")
	}
}
