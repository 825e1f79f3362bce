package cmd

import (
	"fmt"

	"github.com/asaskevich/govalidator"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	cmdUtils "github.com/tensorgrid/tensorgrid-backend/cmd/utils"
	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/pkg/auth"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// PasswordPromptInterface is implemented by the interactive password prompt
// and swapped for a canned value in the tests.
type PasswordPromptInterface interface {
	Run() (string, error)
}

type defaultPasswordPrompt struct{}

func (p defaultPasswordPrompt) Run() (string, error) {
	prompt := promptui.Prompt{
		Label: "Password",
		Mask:  '*',
		Validate: func(input string) error {
			if len(input) < auth.MinPasswordLength {
				return fmt.Errorf("password must have at least %d characters", auth.MinPasswordLength)
			}
			return nil
		},
	}
	return prompt.Run()
}

func NewDefaultPasswordPrompt() PasswordPromptInterface {
	return defaultPasswordPrompt{}
}

type AuthCommand struct{}

func (a *AuthCommand) Command() *cobra.Command {
	authCmd := &cobra.Command{
		Use:     "auth",
		Short:   "Authentication helpers",
		Example:          "auth <sub-command>",
		PersistentPreRun: cmdUtils.DefaultPersistentPreRun,
		Run: func(cmd *cobra.Command, _ []string) {
			err := cmd.Help()
			if err != nil {
				log.Fatalf("Error calling auth command: %s", err.Error())
			}
		},
	}
	authCmd.AddCommand(AddUserCmd(NewDefaultPasswordPrompt()))

	return authCmd
}

// AddUserCmd creates a new user, prompting for the password so it never lands
// in the shell history.
func AddUserCmd(passwordPrompt PasswordPromptInterface) *cobra.Command {
	return &cobra.Command{
		Use:     "add-user <email>",
		Short:   "Add a new user",
		Example: "auth add-user john@doe.com",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("accepts 1 arg(s), received %d", len(args))
			}
			if !govalidator.IsEmail(args[0]) {
				return fmt.Errorf("invalid email %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			email := args[0]

			password, err := passwordPrompt.Run()
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}

			dbConnectionPool, err := db.OpenDBConnectionPool(globalOptions.DatabaseURL)
			if err != nil {
				return fmt.Errorf("opening database connection pool: %w", err)
			}
			defer dbConnectionPool.Close()

			authManager := auth.NewAuthManager(
				auth.WithDefaultAuthenticatorOption(dbConnectionPool, auth.NewDefaultPasswordEncrypter()),
			)
			newUser, err := authManager.CreateUser(ctx, &auth.User{Email: email, IsActive: true}, password)
			if err != nil {
				return fmt.Errorf("creating user: %w", err)
			}

			log.Ctx(ctx).Infof("user inserted: %s", newUser.Email)
			return nil
		},
	}
}
