// Command gru runs a shell command in a pool of supervised worker processes.
//
//	gru run -w 4 --master "./fetch-settings" -d mailer="./mailer" -- ./serve --port 8080
//	gru check -n serve --details
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "gru"
	app.Usage = "supervises a pool of worker processes"
	app.Commands = []cli.Command{
		runCommand(),
		checkCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("gru failed")
	}
}
