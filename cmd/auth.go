package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/nls/credentials"
)

// EnvCredentialsPassphrase unlocks a passphrase-protected credential store
// without prompting.
const EnvCredentialsPassphrase = "NLS_CREDENTIALS_PASSPHRASE"

// AuthCommandDeps holds the dependencies of the auth commands.
type AuthCommandDeps struct {
	OpenStore  func(usePassphrase bool) (*credentials.Store, error)
	ReadSecret func(prompt string) (string, error)
	Out        io.Writer
}

// DefaultAuthDeps returns the dependencies used in production.
func DefaultAuthDeps() *AuthCommandDeps {
	return &AuthCommandDeps{
		OpenStore:  openCredentialStore,
		ReadSecret: readSecret,
		Out:        os.Stdout,
	}
}

// NewAuthCommand creates the auth command group.
func NewAuthCommand() *cobra.Command {
	return newAuthCommand(DefaultAuthDeps())
}

func newAuthCommand(deps *AuthCommandDeps) *cobra.Command {
	var usePassphrase bool

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored secrets",
		Long: `Manage the secrets nls needs at run time:

  db-password   password for a postgres:// store DSN that carries none
  lookup-key    access key of the country/city reference API

Secrets are encrypted (AES-256-GCM) in ~/.nls/credentials.yaml. The key lives
in the system keyring, in NLS_ENCRYPTION_KEY, or is derived from a passphrase
with --passphrase (set NLS_CREDENTIALS_PASSPHRASE to skip the prompt).

NLS_DB_PASSWORD and NLS_LOOKUP_API_KEY take precedence over stored secrets.`,
	}
	cmd.PersistentFlags().BoolVar(&usePassphrase, "passphrase", false, "Derive the encryption key from a passphrase")

	var value string
	setCmd := &cobra.Command{
		Use:       "set <db-password|lookup-key>",
		Short:     "Store a secret",
		Example:   "  nls auth set db-password\n  nls auth set lookup-key --value \"$KEY\"",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{credentials.SecretDBPassword, credentials.SecretLookupAPIKey},
		RunE: func(cmd *cobra.Command, args []string) error {
			var check credentials.Credentials
			if err := check.Set(args[0], "x"); err != nil {
				return err
			}
			secret := value
			if secret == "" {
				var err error
				if secret, err = deps.ReadSecret(fmt.Sprintf("Enter %s: ", args[0])); err != nil {
					return err
				}
			}
			if secret == "" {
				return fmt.Errorf("no value provided for %s", args[0])
			}

			s, err := deps.OpenStore(usePassphrase)
			if err != nil {
				return err
			}
			creds, err := s.Load()
			if errors.Is(err, credentials.ErrNoCredentials) {
				creds, err = &credentials.Credentials{}, nil
			}
			if err != nil {
				return err
			}
			if err := creds.Set(args[0], secret); err != nil {
				return err
			}
			if err := s.Save(creds); err != nil {
				return err
			}
			fmt.Fprintf(deps.Out, "Stored %s (key: %s)\n", args[0], s.KeyDescription())
			return nil
		},
	}
	setCmd.Flags().StringVar(&value, "value", "", "Secret value (prompted when omitted)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show which secrets are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := deps.OpenStore(usePassphrase)
			if err != nil {
				return err
			}
			stored, err := s.Load()
			if errors.Is(err, credentials.ErrNoCredentials) {
				stored, err = &credentials.Credentials{}, nil
			}
			if err != nil {
				return err
			}
			path, _ := credentials.CredentialsPath()
			fmt.Fprintf(deps.Out, "Credentials: %s (key: %s)\n", path, s.KeyDescription())
			printSecretStatus(deps.Out, credentials.SecretDBPassword, stored.DBPassword, credentials.EnvDBPassword)
			printSecretStatus(deps.Out, credentials.SecretLookupAPIKey, stored.LookupAPIKey, credentials.EnvLookupAPIKey)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := deps.OpenStore(usePassphrase)
			if err != nil {
				return err
			}
			if err := s.Delete(); err != nil {
				return err
			}
			fmt.Fprintln(deps.Out, "Stored credentials removed.")
			return nil
		},
	}

	cmd.AddCommand(setCmd, statusCmd, clearCmd)
	return cmd
}

func printSecretStatus(w io.Writer, name, stored, envVar string) {
	switch {
	case os.Getenv(envVar) != "":
		fmt.Fprintf(w, "  %-12s from %s\n", name, envVar)
	case stored != "":
		fmt.Fprintf(w, "  %-12s stored (%s)\n", name, credentials.MaskCredential(stored))
	default:
		fmt.Fprintf(w, "  %-12s not set\n", name)
	}
}

// openCredentialStore opens the credential store with the keyring or env key,
// or with a passphrase-derived key when asked or when the passphrase is in the
// environment.
func openCredentialStore(usePassphrase bool) (*credentials.Store, error) {
	passphrase := os.Getenv(EnvCredentialsPassphrase)
	if !usePassphrase && passphrase == "" {
		return credentials.NewStore()
	}
	if passphrase == "" {
		var err error
		if passphrase, err = readSecret("Passphrase: "); err != nil {
			return nil, err
		}
	}
	dir, err := credentials.CredentialsDir()
	if err != nil {
		return nil, err
	}
	provider, err := credentials.NewPassphraseKey(dir, passphrase)
	if err != nil {
		return nil, err
	}
	return credentials.NewStoreWithKeyProvider(provider)
}

// readSecret prompts on stderr and reads a line without echo, falling back to
// plain stdin when it is not a terminal.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
