package main

import "github.com/tbrandt/withings2icu/cmd"

func main() {
	cmd.Execute()
}
