// veilfs is the CLI around the block storage stack: create a filesystem,
// verify it opens, and report stats. Mount adapters live elsewhere and talk
// to the device facade directly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/veilfs/veilfs/config"
	"github.com/veilfs/veilfs/console"
	"github.com/veilfs/veilfs/crypto/ciphers"
	"github.com/veilfs/veilfs/device"
	"github.com/veilfs/veilfs/logging"
)

func main() {
	app := &cli.Command{
		Name:  "veilfs",
		Usage: "Encrypted block storage for virtual filesystems",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "logfile",
				Usage:   "Write logs to this file in addition to stderr",
				Sources: cli.EnvVars("VEILFS_LOGFILE"),
			},
		},
		Commands: []*cli.Command{
			cmdCreate(),
			cmdOpen(),
			cmdStats(),
			cmdCiphers(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(device.ExitCodeFor(err))
	}
}

func newLogger(c *cli.Command) *slog.Logger {
	cfg := logging.NewConfigFromEnv()
	if logfile := c.String("logfile"); logfile != "" {
		cfg.File = logfile
		if err := logging.EnsureDir(cfg.File); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: cannot create log directory:", err)
			cfg.File = ""
		}
	}
	l, _ := logging.New(cfg)
	return l
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Config file path (default <basedir>/" + device.ConfigFileName + ")",
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "Password (prompted when not given)",
			Sources: cli.EnvVars("VEILFS_PASSWORD"),
		},
	}
}

func obtainPassword(c *cli.Command, confirm bool) ([]byte, error) {
	if pw := c.String("password"); pw != "" {
		return []byte(pw), nil
	}
	cons := console.NewStdioConsole()
	pw, err := cons.AskPassword("Password: ")
	if err != nil {
		return nil, err
	}
	if confirm {
		again, err := cons.AskPassword("Confirm password: ")
		if err != nil {
			return nil, err
		}
		if pw != again {
			return nil, fmt.Errorf("passwords do not match")
		}
	}
	return []byte(pw), nil
}

func cmdCreate() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create a new filesystem in a base directory",
		ArgsUsage: "<basedir>",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:  "cipher",
				Usage: "Cipher to use (see the ciphers command)",
				Value: ciphers.DefaultCipherName,
			},
			&cli.UintFlag{
				Name:  "blocksize",
				Usage: "Block size in bytes",
				Value: 32768,
			},
			&cli.BoolFlag{
				Name:  "create-missing-basedir",
				Usage: "Create the base directory if it does not exist",
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			basedir := c.Args().First()
			if basedir == "" {
				return fmt.Errorf("basedir argument required")
			}
			log := newLogger(c)
			if c.Bool("create-missing-basedir") {
				if err := os.MkdirAll(basedir, 0o700); err != nil {
					return err
				}
			}
			password, err := obtainPassword(c, true)
			if err != nil {
				return err
			}
			dev, err := device.Open(basedir, password, device.Options{
				ConfigPath:     c.String("config"),
				Cipher:         c.String("cipher"),
				BlocksizeBytes: uint64(c.Uint("blocksize")),
				AllowCreate:    true,
				Console:        console.NewStdioConsole(),
				Logger:         log,
			})
			if err != nil {
				return err
			}
			defer dev.Close()
			if !dev.Created() {
				return config.ErrFilesystemAlreadyExists
			}
			fmt.Printf("Created filesystem %s (cipher %s, blocksize %d)\n",
				dev.Config().FilesystemID, dev.Config().Cipher, dev.Config().BlocksizeBytes)
			return nil
		},
	}
}

func cmdOpen() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "Verify a filesystem opens with the given password",
		ArgsUsage: "<basedir>",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:  "cipher",
				Usage: "Require this cipher",
			},
			&cli.BoolFlag{
				Name:  "allow-filesystem-upgrade",
				Usage: "Migrate an older filesystem format without asking",
			},
			&cli.BoolFlag{
				Name:  "allow-replaced-filesystem",
				Usage: "Skip the local-state identity checks",
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			basedir := c.Args().First()
			if basedir == "" {
				return fmt.Errorf("basedir argument required")
			}
			log := newLogger(c)
			password, err := obtainPassword(c, false)
			if err != nil {
				return err
			}
			dev, err := device.Open(basedir, password, device.Options{
				ConfigPath:              c.String("config"),
				Cipher:                  c.String("cipher"),
				AllowFilesystemUpgrade:  c.Bool("allow-filesystem-upgrade"),
				AllowReplacedFilesystem: c.Bool("allow-replaced-filesystem"),
				Console:                 console.NewStdioConsole(),
				Logger:                  log,
			})
			if err != nil {
				return err
			}
			defer dev.Close()
			numBlocks, err := dev.NumBlocks()
			if err != nil {
				return err
			}
			fmt.Printf("Filesystem %s OK, %d blocks\n", dev.Config().FilesystemID, numBlocks)
			return nil
		},
	}
}

func cmdStats() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "Print filesystem metadata and block count",
		ArgsUsage: "<basedir>",
		Flags:     commonFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			basedir := c.Args().First()
			if basedir == "" {
				return fmt.Errorf("basedir argument required")
			}
			log := newLogger(c)
			password, err := obtainPassword(c, false)
			if err != nil {
				return err
			}
			dev, err := device.Open(basedir, password, device.Options{
				ConfigPath: c.String("config"),
				Logger:     log,
			})
			if err != nil {
				return err
			}
			defer dev.Close()
			cfg := dev.Config()
			numBlocks, err := dev.NumBlocks()
			if err != nil {
				return err
			}
			fmt.Printf("Filesystem id:   %s\n", cfg.FilesystemID)
			fmt.Printf("Cipher:          %s\n", cfg.Cipher)
			fmt.Printf("Blocksize:       %d bytes\n", cfg.BlocksizeBytes)
			fmt.Printf("Created with:    %s\n", cfg.CreatedWithVersion)
			fmt.Printf("Last opened:     %s\n", cfg.LastOpenedWithVersion)
			fmt.Printf("Blocks:          %d\n", numBlocks)
			return nil
		},
	}
}

func cmdCiphers() *cli.Command {
	return &cli.Command{
		Name:  "ciphers",
		Usage: "List supported ciphers",
		Action: func(ctx context.Context, c *cli.Command) error {
			for _, name := range ciphers.SupportedCipherNames() {
				fmt.Println(name)
			}
			return nil
		},
	}
}
