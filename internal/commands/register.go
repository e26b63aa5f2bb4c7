package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openly/messenger/internal/models"
)

func registerCmd(a *app) *cobra.Command {
	var displayName, photoURL string
	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create or update your profile on the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.requireUser()
			if err != nil {
				return err
			}
			u, err := a.apiClient().UpsertUser(cmd.Context(), models.User{
				ID:          userID,
				Username:    args[0],
				DisplayName: displayName,
				PhotoURL:    photoURL,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s as %s\n", u.ID, u.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "name shown to other users")
	cmd.Flags().StringVar(&photoURL, "photo-url", "", "avatar URL")
	return cmd
}
