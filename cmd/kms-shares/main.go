package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/module-identity-provisioning/api/clients"
	"github.com/ruteri/module-identity-provisioning/kms"
	"github.com/urfave/cli/v2"
)

var flagServer = &cli.StringFlag{
	Name:  "server",
	Value: "http://127.0.0.1:8080",
	Usage: "Provisioning server address",
}
var flagAdminToken = &cli.StringFlag{
	Name:    "admin-token",
	Usage:   "Bearer token for share submission",
	EnvVars: []string{"ADMIN_TOKEN"},
}
var flagShareFile = &cli.StringFlag{
	Name:     "share-file",
	Required: true,
	Usage:    "Path to a base64 share file written by generate",
}

func main() {
	app := &cli.App{
		Name:           "kms-shares",
		Usage:          "Manage the Shamir-split KMS seed of a provisioning server",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Generate a random seed and split it into share files",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "threshold", Value: 2},
					&cli.IntFlag{Name: "total-shares", Value: 3},
					&cli.StringFlag{Name: "out-dir", Value: ".", Usage: "directory to write share-<n>.b64 files to"},
					&cli.BoolFlag{Name: "print-seed", Usage: "also print the hex seed, usable as --simple-kms-seed"},
				},
				Action: func(cCtx *cli.Context) error {
					seed := make([]byte, 32)
					if _, err := rand.Read(seed); err != nil {
						return err
					}
					_, shares, err := kms.NewShamirKMS(seed, cCtx.Int("threshold"), cCtx.Int("total-shares"))
					if err != nil {
						return err
					}

					outDir := cCtx.String("out-dir")
					for i, share := range shares {
						path := filepath.Join(outDir, fmt.Sprintf("share-%d.b64", i+1))
						if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(share)), 0600); err != nil {
							return err
						}
						fmt.Println(path)
					}
					if cCtx.Bool("print-seed") {
						fmt.Println(hex.EncodeToString(seed))
					}
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Show whether the server's KMS is unlocked",
				Flags: []cli.Flag{flagServer},
				Action: func(cCtx *cli.Context) error {
					ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
					defer cancel()

					status, err := clients.NewAdminClient(cCtx.String(flagServer.Name), "").GetStatus(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("%s (%d/%d shares)\n", status.State, status.Received, status.Threshold)
					return nil
				},
			},
			{
				Name:  "submit",
				Usage: "Submit one share to a locked server",
				Flags: []cli.Flag{flagServer, flagAdminToken, flagShareFile},
				Action: func(cCtx *cli.Context) error {
					encoded, err := os.ReadFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					share, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
					if err != nil {
						return fmt.Errorf("share file is not valid base64: %w", err)
					}

					ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
					defer cancel()

					client := clients.NewAdminClient(cCtx.String(flagServer.Name), cCtx.String(flagAdminToken.Name))
					status, err := client.SubmitShare(ctx, share)
					if err != nil {
						return err
					}
					fmt.Printf("%s (%d/%d shares)\n", status.State, status.Received, status.Threshold)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
