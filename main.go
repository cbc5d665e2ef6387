package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"leech/internal/metainfo"
	"leech/internal/peer"
	"leech/internal/piece"
	"leech/internal/swarm"
	"leech/internal/tracker"
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	if len(os.Args) < 2 {
		log.Fatal("usage: leech <path-to-torrent-file>")
	}
	torrentPath := os.Args[len(os.Args)-1]

	t, err := metainfo.Load(torrentPath)
	if err != nil {
		log.WithField("err", err).Fatal("failed to load metainfo")
	}

	name := strings.TrimSuffix(filepath.Base(torrentPath), filepath.Ext(torrentPath))
	downloadRoot := filepath.Join("downloads", name)

	fs := afero.NewOsFs()
	storage, err := piece.NewFileStorage(fs, downloadRoot, t)
	if err != nil {
		log.WithField("err", err).Fatal("failed to prepare download directory")
	}
	store := piece.NewStore(t, storage, log)

	external, err := swarm.LoadExternalTrackers("externalTrackerList.txt")
	if err != nil {
		log.WithField("err", err).Warn("failed to read externalTrackerList.txt")
	}
	trackers := swarm.BuildTrackers(t, external, log)
	if len(trackers) == 0 {
		log.Fatal("torrent has no usable announce URL and no external tracker list")
	}

	peerID := peer.PeerIDFromString(tracker.DefaultPeerID)
	sw := swarm.New(t, store, trackers, peerID, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"name":   name,
		"pieces": store.NumPieces(),
	}).Info("starting download")
	sw.Run(ctx)
}
