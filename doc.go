// Package iwabundle serves resources of Isolated Web Apps out of signed web
// bundles stored on disk.
//
// A [Registry] keeps at most one open bundle reader per bundle path. The
// first request for a path opens the bundle, validates its integrity block
// against the expected bundle ID, checks the signatures according to the
// configured [VerifyPolicy] and validates the metadata. Requests that
// arrive while a bundle is opening are queued and answered in arrival order
// once it is ready, or all failed with the same error if opening fails.
// Readers that stay idle for longer than the eviction interval are closed by
// a periodic sweep.
//
// # Quick Start
//
//	reg, err := iwabundle.NewRegistry(iwabundle.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer reg.Close()
//
//	req, err := bundle.NewRequest(id.Origin() + "index.html")
//	if err != nil {
//	    return err
//	}
//	resp, err := reg.ReadResponse(ctx, "/var/lib/apps/app.swbn", id, req)
//	if errors.Is(err, iwabundle.ErrNotFound) {
//	    // serve a 404
//	}
//	err = resp.ReadBody(ctx, w)
//
// # Concurrency
//
// All registry state is owned by a single goroutine. Public methods post
// work to it and never block on bundle I/O; the callback forms
// ([Registry.ReadResponseFunc], [Response.ReadBodyFunc]) may invoke their
// callback on that goroutine, so callbacks must not block on the registry.
// The blocking forms and [Registry.Close] must not be called from inside a
// callback.
package iwabundle
