package main

import "github.com/example/clinic-scheduler/cmd"

func main() {
	cmd.Execute()
}
