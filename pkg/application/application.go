package application

import (
	"github.com/gorilla/mux"
)

// Controller is anything that can register routes on the shared router.
type Controller interface {
	Key() string
	Register(r *mux.Router)
}
