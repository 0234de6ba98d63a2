package main

import "github.com/edgeflare/esrbot/cmd/esrbot"

func main() {
	esrbot.Main()
}
