// Package dashboard provides the push/job synchronizer as a library that can
// be embedded into other Go applications.
//
// # Overview
//
// A Dashboard keeps, for every watched repository, the recent pushes and the
// jobs running against them in memory. It loads pushes page by page from the
// CI results backend, applies push notifications through a batching queue,
// polls for new pushes and job changes, and serves the result over a small
// REST API with a server-sent events stream.
//
// # Basic Usage
//
// Create a dashboard programmatically:
//
//	cfg := &dashboard.Config{
//		Server: dashboard.ServerConfig{Port: 8080},
//		Backend: dashboard.BackendConfig{
//			URL:   "https://ci.example.com",
//			Token: os.Getenv("CI_TOKEN"),
//		},
//		Notify: dashboard.NotifyConfig{
//			Enabled: true,
//			URL:     "wss://ci.example.com/events",
//		},
//		Repos: []dashboard.Repo{
//			{Name: "autoland"},
//			{Name: "try", Query: map[string]string{"author": "dev@example.com"}},
//		},
//		Logging: dashboard.LoggingConfig{
//			Level:  "info",
//			Format: "json",
//		},
//	}
//
//	d, err := dashboard.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := d.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Using with Existing HTTP Server
//
// Mount the API under a path of your own server. Start still has to run for
// the repository map to stay current; its own listener can be left unused by
// picking a spare port.
//
//	http.Handle("/ci/", http.StripPrefix("/ci", d.Handler()))
//
// # File-based Configuration
//
//	d, err := dashboard.NewFromFile("configs/pushwatch.yaml")
//
// # Direct Access
//
// The synchronizer and its repository map are available for programmatic use:
//
//	events, cancel := d.Subscribe(64)
//	defer cancel()
//	for ev := range events {
//		if ev.Kind() == "jobs_updated" {
//			pushes, _ := d.Syncer().Store().Pushes(ev.RepoName())
//			fmt.Println(len(pushes))
//		}
//	}
package dashboard
