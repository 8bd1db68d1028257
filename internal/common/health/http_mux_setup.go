package health

import (
	"net/http"
)

// Path is where SetupHttpMux serves the health endpoint.
const Path = "/health"

// SetupHttpMux serves the combined result of checkers at Path: 204 while all of them pass, otherwise 503 with
// every failure in the body.
func SetupHttpMux(mux *http.ServeMux, checkers ...Checker) {
	mux.Handle(Path, NewHealthCheckHttpHandler(NewMultiChecker(checkers...)))
}
