// package main: monitor service
//
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/msg"
	"github.com/tarancss/chainwatch/lib/msg/amqp"
	"github.com/tarancss/chainwatch/lib/source/wsrpc"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/store/db"
	"github.com/tarancss/chainwatch/monitor"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	mon := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// extract configuration
	var err error
	var conf config.ServiceConfig
	if conf, err = config.ExtractConfiguration(*confPath); err != nil {
		panic(err)
	}
	log.Printf("Configuration:%+v", conf)

	// connect to database
	var dbConn store.DB
	if conf.DbConn != "" {
		log.Printf("Connecting to database:%+v\n", conf.DbConn)
		if dbConn, err = db.New(conf.DbType, conf.DbConn); err != nil {
			panic(err)
		}
	}

	// load Prometheus monitor
	if *mon {
		go func() {
			log.Println("Serving metrics API")
			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker
	var mb msg.Broker
	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect
			if mb, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}
		if err = mb.Setup(nil); err != nil {
			panic(err)
		}
	default:
		log.Printf("Unknown message broker type: %s\n", conf.MbType)
	}

	// connect to the upstream event feed
	src, err := wsrpc.Dial(conf.Upstream.Node, time.Duration(conf.Upstream.DialTimeout)*time.Second)
	if err != nil {
		panic(err)
	}
	log.Print("Upstream feed connected")

	// create monitor service
	m := monitor.New(conf, conf.DbType, dbConn, mb, src)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		m.StopMonitor()
		src.Close()
	}()

	// launch the API servers; Init blocks until shutdown
	log.Printf("Monitor: %s\n", m.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))
}
