package cli

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/relaymesh/relayd/internal/auth"
)

// credentialFromFlags derives an ephemeral TURN username/password pair from
// the given shared secret, realm, and expiry, the same way a client would
// mint one to present to the server.
func credentialFromFlags(f *pflag.FlagSet) (username, password string) {
	user, err := f.GetString("user")
	if err != nil {
		log.Fatal("failed to get user")
	}
	realm, err := f.GetString("realm")
	if err != nil {
		log.Fatal("failed to get realm")
	}
	secret, err := f.GetString("secret")
	if err != nil {
		log.Fatal("failed to get secret")
	}
	ttl, err := f.GetDuration("ttl")
	if err != nil {
		log.Fatal("failed to get ttl")
	}
	e := auth.NewEphemeral(realm, []byte(secret))
	username = user
	if ttl > 0 {
		username = fmt.Sprintf("%d:%s", time.Now().Add(ttl).Unix(), user)
	}
	return username, e.Password(username)
}

func getKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "generate an ephemeral TURN credential",
		Run: func(cmd *cobra.Command, args []string) {
			username, password := credentialFromFlags(cmd.Flags())
			fmt.Printf("username: %s\npassword: %s\n", username, password)
		},
	}
	cmd.Flags().StringP("user", "u", "user", "credential label, prefixed with the expiry when --ttl is set")
	cmd.Flags().StringP("secret", "s", "", "shared secret the server was started with")
	cmd.Flags().StringP("realm", "r", "relayd", "realm")
	cmd.Flags().Duration("ttl", time.Hour, "credential lifetime; 0 disables the expiry prefix")
	return cmd
}
