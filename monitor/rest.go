package monitor

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

// Init sets up and starts the http/https server to service the API for a monitor service. If sslPort, sslCert and
// sslKey are informed, it will start an https (TLS) server on the specified endpoint.
func (m *Monitor) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	// API definition
	r := m.Router()
	http.Handle("/", r)

	// setup shutdown channel
	m.sc = make(chan struct{})

	m.startSweeper()

	// start http server
	if port != "" {
		m.s = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + port,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = m.s.ListenAndServe()
		}()

		log.Printf("Listening to API http requests on %s:%s", endpoint, port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		m.ss = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + sslPort,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = m.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		log.Printf("Listening to API https requests on %s:%s", endpoint, sslPort)
	}
	// wait for servers to be shutdown
	<-m.sc

	return fmt.Sprintf("shutdown http server:%e, https server:%e", err, errTLS)
}

// Router builds the service router. Exposed so tests can run the API against httptest servers.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", m.homeHandler)
	r.HandleFunc("/monitor", m.actionHandler).Methods("POST")                // authenticate/subscribe/unsubscribe/status
	r.HandleFunc("/monitor/events/{client}", m.pollHandler).Methods("GET")   // drain the polling queue
	r.HandleFunc("/monitor/stream/{client}", m.streamHandler).Methods("GET") // websocket push endpoint

	return r
}
