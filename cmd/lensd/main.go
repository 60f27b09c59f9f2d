package main

import "github.com/JakeFAU/lens-scraper/cmd"

func main() {
	cmd.Execute()
}
