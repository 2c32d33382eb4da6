package main

import "github.com/bryanchriswhite/SensorStreamer/cmd/sensorstreamer/commands"

func main() {
	commands.Execute()
}
