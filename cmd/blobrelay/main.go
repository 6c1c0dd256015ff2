package main

import (
	"github.com/alecthomas/kong"
)

// CLI ...
type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" help:"Run the relay server."`
	Upload UploadCmd `cmd:"" help:"Upload local files through the relay."`
	Ls     LsCmd     `cmd:"" help:"List remote objects."`
	Fetch  FetchCmd  `cmd:"" help:"Download a remote object."`
	Rm     RmCmd     `cmd:"" help:"Delete remote objects."`
	Mkdir  MkdirCmd  `cmd:"" help:"Create a remote directory."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("blobrelay"),
		kong.Description("Chunked, resumable uploads into remote object stores through a relay."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	app := NewApp(cli.Globals)
	defer app.Close()

	ctx.FatalIfErrorf(ctx.Run(app))
}
