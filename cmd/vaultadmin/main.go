package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/ruteri/threshold-vault-backend/api/vaulthandler"
	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/quorum"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var flagServer *cli.StringFlag = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"VAULT_SERVER"},
	Usage:   "Vault server address",
}
var flagUser *cli.StringFlag = &cli.StringFlag{
	Name:     "user",
	EnvVars:  []string{"VAULT_USER"},
	Required: true,
	Usage:    "Administrator user id",
}
var flagGroup *cli.StringFlag = &cli.StringFlag{
	Name:     "group",
	Required: true,
	Usage:    "Group id",
}
var flagRequest *cli.StringFlag = &cli.StringFlag{
	Name:     "request",
	Required: true,
	Usage:    "Unlock request id",
}
var flagAdminPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagSessionKey *cli.StringFlag = &cli.StringFlag{
	Name:     "session-key",
	EnvVars:  []string{"VAULT_GROUP_SESSION_KEY"},
	Required: true,
	Usage:    "Base64 group session key",
}

func client(cCtx *cli.Context) *vaulthandler.Client {
	return vaulthandler.NewClient(cCtx.String(flagServer.Name), cCtx.String(flagUser.Name), nil)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func sessionKey(cCtx *cli.Context) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(cCtx.String(flagSessionKey.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	return key, nil
}

func main() {
	app := &cli.App{
		Name:           "vault-admin",
		Usage:          "Group vault administrator client",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "generate-admin",
				Usage: "Generate an administrator key pair",
				Flags: []cli.Flag{
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := cryptoutils.GenerateKeyPair()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminPubkey.Name), publicKeyPEM, 0644)
				},
			},
			{
				Name:      "generate-group-config",
				Usage:     "Print the quorum.groups configuration for one group",
				ArgsUsage: "user_id:email:pubkey_file ...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "group", Required: true, Usage: "Group id"},
					&cli.IntFlag{Name: "threshold", Value: 2, Usage: "Approvals required to unlock"},
				},
				Action: func(cCtx *cli.Context) error {
					var admins []quorum.AdminConfig
					for _, arg := range cCtx.Args().Slice() {
						parts := strings.SplitN(arg, ":", 3)
						if len(parts) < 2 {
							return fmt.Errorf("admin %q must be user_id:email[:pubkey_file]", arg)
						}
						admin := quorum.AdminConfig{UserID: parts[0], Email: parts[1]}
						if len(parts) == 3 && parts[2] != "" {
							publicKeyPEM, err := os.ReadFile(parts[2])
							if err != nil {
								return err
							}
							admin.PublicKeyPEM = string(publicKeyPEM)
						}
						admins = append(admins, admin)
					}
					groups := map[string]quorum.GroupConfig{
						cCtx.String("group"): {Threshold: cCtx.Int("threshold"), Admins: admins},
					}
					if _, err := quorum.NewStaticDirectory(groups); err != nil {
						return err
					}
					return yaml.NewEncoder(os.Stdout).Encode(map[string]any{
						"quorum": map[string]any{"groups": groups},
					})
				},
			},
			{
				Name:  "status",
				Usage: "Show a group's unlock state",
				Flags: []cli.Flag{flagServer, flagUser, flagGroup},
				Action: func(cCtx *cli.Context) error {
					status, err := client(cCtx).Status(cCtx.Context, cCtx.String(flagGroup.Name))
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "request-unlock",
				Usage: "Open an unlock request; your approval is recorded with it",
				Flags: []cli.Flag{
					flagServer, flagUser, flagGroup,
					&cli.StringFlag{Name: "reason", Usage: "Why the vault is needed"},
				},
				Action: func(cCtx *cli.Context) error {
					res, err := client(cCtx).RequestUnlock(cCtx.Context, cCtx.String(flagGroup.Name), cCtx.String("reason"))
					if err != nil {
						return err
					}
					return printJSON(res)
				},
			},
			{
				Name:  "approve",
				Usage: "Approve an unlock request",
				Flags: []cli.Flag{flagServer, flagUser, flagRequest},
				Action: func(cCtx *cli.Context) error {
					res, err := client(cCtx).Approve(cCtx.Context, cCtx.String(flagRequest.Name))
					if err != nil {
						return err
					}
					return printJSON(res)
				},
			},
			{
				Name:  "cancel",
				Usage: "Withdraw a pending unlock request",
				Flags: []cli.Flag{flagServer, flagUser, flagRequest},
				Action: func(cCtx *cli.Context) error {
					return client(cCtx).Cancel(cCtx.Context, cCtx.String(flagRequest.Name))
				},
			},
			{
				Name:  "lock",
				Usage: "Lock a group vault",
				Flags: []cli.Flag{flagServer, flagUser, flagGroup},
				Action: func(cCtx *cli.Context) error {
					return client(cCtx).Lock(cCtx.Context, cCtx.String(flagGroup.Name))
				},
			},
			{
				Name:  "session-key",
				Usage: "Decrypt your copy of the current group session key",
				Flags: []cli.Flag{flagServer, flagUser, flagGroup, flagAdminPrivkey},
				Action: func(cCtx *cli.Context) error {
					status, err := client(cCtx).Status(cCtx.Context, cCtx.String(flagGroup.Name))
					if err != nil {
						return err
					}
					if !status.Unlocked || status.Request == nil {
						return errors.New("group is locked")
					}
					encrypted, ok := status.Request.AdminSessionKeys[cCtx.String(flagUser.Name)]
					if !ok {
						return errors.New("no session key copy for this administrator; register a public key")
					}
					privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
					if err != nil {
						return err
					}
					key, err := cryptoutils.DecryptWithPrivateKey(privateKeyPEM, encrypted)
					if err != nil {
						return err
					}
					fmt.Println(base64.StdEncoding.EncodeToString(key))
					return nil
				},
			},
			{
				Name:  "read",
				Usage: "Print the group vault contents",
				Flags: []cli.Flag{flagServer, flagUser, flagGroup, flagSessionKey},
				Action: func(cCtx *cli.Context) error {
					key, err := sessionKey(cCtx)
					if err != nil {
						return err
					}
					data, err := client(cCtx).ReadVault(cCtx.Context, cCtx.String(flagGroup.Name), key)
					if err != nil {
						return err
					}
					_, err = os.Stdout.Write(data)
					return err
				},
			},
			{
				Name:  "write",
				Usage: "Replace the group vault contents with stdin",
				Flags: []cli.Flag{flagServer, flagUser, flagGroup, flagSessionKey},
				Action: func(cCtx *cli.Context) error {
					key, err := sessionKey(cCtx)
					if err != nil {
						return err
					}
					data, err := io.ReadAll(os.Stdin)
					if err != nil {
						return err
					}
					return client(cCtx).WriteVault(cCtx.Context, cCtx.String(flagGroup.Name), key, data)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
