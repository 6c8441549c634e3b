package main

import "github.com/aaronromeo/mailer/internal/cli"

func main() {
	cli.Execute()
}
