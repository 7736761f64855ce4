/*
Copyright 2024 The Mirador Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The mirador command runs one replica of the configuration repository
// service: the replicated command log, the long-poll HTTP surface, the
// mirror scheduler and the session sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mirador-project/mirador/metrics"
	"github.com/mirador-project/mirador/replication"
	"github.com/mirador-project/mirador/replication/memcoord"
	"github.com/mirador-project/mirador/replication/zkcoord"
	"github.com/mirador-project/mirador/server"
)

type options struct {
	dataDir          string
	replicaID        string
	address          string
	zookeeperServers string
	coordinationRoot string
	zone             string
	sessionTTL       time.Duration
	sweepSchedule    string
	mirrorWorkers    int
	maxMirrorFiles   int
	maxMirrorBytes   int64
	encryptionKey    string
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	var o options
	fs.StringVar(&o.dataDir, "data-dir", "", "Directory for repositories, sessions and replication state.")
	fs.StringVar(&o.replicaID, "replica-id", "", "Name of this replica in the cluster. Defaults to the hostname.")
	fs.StringVar(&o.address, "address", ":36462", "Address the HTTP server listens on.")
	fs.StringVar(&o.zookeeperServers, "zookeeper-servers", "", "Comma-separated ZooKeeper ensemble members. Empty runs standalone without replication.")
	fs.StringVar(&o.coordinationRoot, "coordination-root", "/mirador", "Namespace inside the coordination service.")
	fs.StringVar(&o.zone, "zone", "", "Availability zone of this replica, for zone-pinned mirrors.")
	fs.DurationVar(&o.sessionTTL, "session-ttl", time.Hour, "Lifetime of login sessions.")
	fs.StringVar(&o.sweepSchedule, "session-sweep-schedule", "@every 10m", "Cron schedule of the expired-session sweep.")
	fs.IntVar(&o.mirrorWorkers, "mirror-workers", 4, "Concurrent mirror tasks.")
	fs.IntVar(&o.maxMirrorFiles, "max-mirror-files", 65536, "Most files one mirror may contain. Zero disables the cap.")
	fs.Int64Var(&o.maxMirrorBytes, "max-mirror-bytes", 1<<30, "Most bytes one mirror may contain. Zero disables the cap.")
	fs.StringVar(&o.encryptionKey, "encryption-key-file", "", "File holding the at-rest encryption key. Empty disables encryption.")
	fs.Parse(args)
	return o
}

func (o *options) validate() error {
	if o.dataDir == "" {
		return errors.New("--data-dir is required")
	}
	if o.replicaID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.New("--replica-id is required when the hostname is unavailable")
		}
		o.replicaID = hostname
	}
	return nil
}

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	log := logrus.WithField("component", "mirador")

	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.validate(); err != nil {
		log.WithError(err).Fatal("Invalid options")
	}

	var key []byte
	if o.encryptionKey != "" {
		var err error
		if key, err = os.ReadFile(o.encryptionKey); err != nil {
			log.WithError(err).Fatal("Could not read the encryption key")
		}
	}

	var coord replication.Coordinator
	if o.zookeeperServers == "" {
		log.Warning("No ZooKeeper servers configured; running standalone")
		coord = memcoord.NewCluster().Connect()
	} else {
		zc, err := zkcoord.Connect(zkcoord.Options{Servers: strings.Split(o.zookeeperServers, ",")})
		if err != nil {
			log.WithError(err).Fatal("Could not reach the coordination service")
		}
		coord = zc
	}
	defer coord.Close()

	svc, err := server.New(coord, server.Options{
		DataDir:          o.dataDir,
		ReplicaID:        o.replicaID,
		CoordinationRoot: o.coordinationRoot,
		Zone:             o.zone,
		EncryptionKey:    key,
		SessionTTL:       o.sessionTTL,
		SweepSchedule:    o.sweepSchedule,
		NumMirrorWorkers: o.mirrorWorkers,
		MaxMirrorFiles:   o.maxMirrorFiles,
		MaxMirrorBytes:   o.maxMirrorBytes,
	})
	if err != nil {
		log.WithError(err).Fatal("Could not start the service")
	}
	defer svc.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/api/v1/", &apiHandler{svc: svc})
	srv := &http.Server{Addr: o.address, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.WithField("address", o.address).Info("Listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.ReplicationLag.Set(float64(svc.LastApplied()))
			case <-ctx.Done():
				return nil
			}
		}
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		log.WithError(err).Fatal("Server failed")
	}
	log.Info("Shut down cleanly")
}
