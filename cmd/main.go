package main

import (
	"context"
	"fmt"
	"os"

	"pumpengine/cmd/engine"
	"pumpengine/src/database"
	"pumpengine/src/repository"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Pumpengine CMD"
	app.Usage = "The pumpengine command line interface"

	app.Commands = []cli.Command{
		engineCMD,
		credentialsCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	engineCMD = cli.Command{
		Name:        "engine",
		Usage:       "run the execution engine",
		Action:      engineAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the strategy execution engine and its HTTP API`,
	}
	credentialsCMD = cli.Command{
		Name:      "credentials",
		Usage:     "store sealed exchange API credentials",
		Action:    credentialsAction,
		ArgsUsage: "",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "exchange", Usage: "exchange name, e.g. phemex"},
			cli.StringFlag{Name: "label", Value: "default", Usage: "credential label"},
			cli.StringFlag{Name: "key", Usage: "API key (sealed before storage)"},
			cli.StringFlag{Name: "secret", Usage: "API secret (sealed before storage)"},
		},
		Description: `Seal and store exchange API credentials for live sessions`,
	}
)

func engineAction(_ *cli.Context) error {

	logrus.Info("Starting engine CMD")
	logrus.WithField("cmd", "engine")

	eng := &engine.Engine{}
	err := eng.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func credentialsAction(c *cli.Context) error {

	logrus.Info("Starting credentials CMD")

	exchange := c.String("exchange")
	apiKey := c.String("key")
	apiSecret := c.String("secret")
	if exchange == "" || apiKey == "" || apiSecret == "" {
		return fmt.Errorf("--exchange, --key and --secret are required")
	}

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	repo := repository.NewCredentialRepository()
	if err := repo.Upsert(context.Background(), exchange, c.String("label"), apiKey, apiSecret); err != nil {
		logrus.WithError(err).Error("Failed to store credentials")
		return err
	}

	logrus.WithField("exchange", exchange).Info("Credentials sealed and stored")
	return nil
}
