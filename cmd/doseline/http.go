package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/doseline/doseline/rest"
)

// handleHTTPServer mounts the API on a muxer, wraps it with the logging and
// debug middleware, and runs the server until the context is cancelled.
func handleHTTPServer(ctx context.Context, addr string, svc *rest.Service, wg *sync.WaitGroup, errc chan error, dbg bool) {
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		if dbg {
			// Mount pprof handlers for memory profiling under /debug/pprof.
			debug.MountPprofHandlers(debug.Adapt(mux))
			// Mount /debug endpoint to enable or disable debug logs at runtime.
			debug.MountDebugLogEnabler(debug.Adapt(mux))
		}
	}
	svc.Mount(mux)

	var handler http.Handler = mux
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
