package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"pixtrack/internal/tracking"
	"pixtrack/internal/tracking/metrics"
)

func (app *application) routes() (http.Handler, error) {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders)
	serviceMiddleware := alice.New(app.serviceAuth)

	mux := pat.New()
	mux.Get("/metrics", metrics.Handler(app.gatherer))

	if err := tracking.RegisterTrackingRoutes(mux, app.tracking, serviceMiddleware.Then); err != nil {
		return nil, err
	}

	return standardMiddleware.Then(mux), nil
}
