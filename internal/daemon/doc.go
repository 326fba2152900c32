// Package daemon hosts the register's background work.
//
// A Daemon supervises, until its context is cancelled:
//
//   - the connectivity monitor
//   - the sync coordinator's loop
//   - a gocron job nudging the coordinator every sync interval
//   - a catalog seed directory watcher (fsnotify) with debounced imports
//   - any extra services, such as the status dashboard
//
// The first component to fail cancels the others. Unfinished outbox work is
// simply left in the store and resumes on the next start.
//
//	d, err := daemon.New(daemon.Options{
//	    Coordinator:  coord,
//	    Monitor:      monitor,
//	    Importer:     catalog.NewImporter(store, logger),
//	    SeedDir:      "/var/lib/posd/seeds",
//	    SyncInterval: time.Minute,
//	    Logger:       logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Run(ctx)
package daemon
