package main

import (
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/audiolibrelab/jamengine/cmd"
)

func main() {
	cmd.Execute()
}
