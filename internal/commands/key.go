package commands

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openly/messenger/internal/crypto"
)

func keyCmd(a *app) *cobra.Command {
	var seal, open string
	cmd := &cobra.Command{
		Use:   "key <user-a> <user-b>",
		Short: "Print the conversation key two users share",
		Long: `Print the hex conversation key for a pair of users. The order of the
ids does not matter. With --seal or --open the key is used to encrypt or
decrypt one message instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if seal != "" && open != "" {
				return errors.New("--seal and --open are exclusive")
			}
			key := crypto.DeriveKey(args[0], args[1])
			c := crypto.NewCipher(crypto.WithFormat(a.cfg.CipherFormat()))

			out := cmd.OutOrStdout()
			switch {
			case seal != "":
				fmt.Fprintln(out, c.Encrypt(seal, key))
			case open != "":
				fmt.Fprintln(out, c.Decrypt(open, key))
			default:
				fmt.Fprintln(out, key.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seal, "seal", "", "encrypt this text with the key")
	cmd.Flags().StringVar(&open, "open", "", "decrypt this envelope with the key")
	return cmd
}
