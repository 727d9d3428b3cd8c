/*
Package dlb wires the dialogue session engine into a running server.

A remote client drives a branching dialogue one step at a time. The engine
keeps a durable log of every conversation and a per-user variable space that
can be mirrored to an external variable service.

# Usage

Load the configuration and build an App. The App owns storage, the session
registry, the service layer and the metrics collectors.

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal(err)
	}
	app, err := dlb.New(cfg, dlb.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close()

	handler := app.Handler(http.NewAuthenticator(cfg.JWTSecret))

Embedders that already hold dialogues or a store can skip the configured
backends with WithDialogueProvider and WithBlobStore.
*/
package dlb
