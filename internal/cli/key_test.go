package cli

import (
	"testing"

	"github.com/relaymesh/relayd/internal/auth"
)

func TestCredentialFromFlags(t *testing.T) {
	flags := getKeyCmd().Flags()
	_ = flags.Set("user", "user")
	_ = flags.Set("secret", "topsecret")
	_ = flags.Set("realm", "realm")
	_ = flags.Set("ttl", "0")
	username, password := credentialFromFlags(flags)
	if username != "user" {
		t.Errorf("unexpected username %q", username)
	}
	want := auth.NewEphemeral("realm", []byte("topsecret")).Password("user")
	if password != want {
		t.Errorf("unexpected password %q != %q", password, want)
	}
}

func TestCredentialFromFlags_TTL(t *testing.T) {
	flags := getKeyCmd().Flags()
	_ = flags.Set("user", "user")
	_ = flags.Set("secret", "topsecret")
	_ = flags.Set("realm", "realm")
	_ = flags.Set("ttl", "1h")
	username, _ := credentialFromFlags(flags)
	if username == "user" {
		t.Error("expected ttl-prefixed username")
	}
}
