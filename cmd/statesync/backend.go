package main

import (
	"context"
	"fmt"

	"github.com/c360/statesync/config"
	"github.com/c360/statesync/docstore"
	"github.com/c360/statesync/natsclient"
	"github.com/c360/statesync/pkg/retry"
)

const natsHealthComponent = "store.nats"

// openDocs builds the configured backend once per command
func (a *app) openDocs(ctx context.Context) (docstore.Store, error) {
	if a.docs != nil {
		return a.docs, nil
	}

	opts := []docstore.Option{
		docstore.WithMaxDocumentSize(a.cfg.Store.MaxDocumentSize),
		docstore.WithLogger(a.logger),
		docstore.WithMetrics(a.registry.CoreMetrics()),
	}

	var (
		docs docstore.Store
		err  error
	)
	switch a.cfg.Store.Backend {
	case config.BackendNATS:
		docs, err = a.openNATS(ctx, opts)
	case config.BackendSQLite:
		var sqlite *docstore.SQLiteStore
		if sqlite, err = docstore.OpenSQLite(a.cfg.Store.SQLitePath, opts...); err == nil {
			docs = sqlite
		}
	case config.BackendMemory:
		a.logger.Warn("Using the in-memory backend, nothing will be persisted")
		docs = docstore.NewMemoryStore(opts...)
	default:
		err = fmt.Errorf("unknown backend %q", a.cfg.Store.Backend)
	}
	if err != nil {
		return nil, err
	}

	a.docs = docs
	a.onClose(docs.Close)
	return docs, nil
}

func (a *app) openNATS(ctx context.Context, opts []docstore.Option) (docstore.Store, error) {
	client, err := natsclient.NewClient(a.cfg.Store.NATSURL,
		natsclient.WithLogger(a.logger),
		natsclient.WithName(appName),
		natsclient.WithTimeout(a.cfg.Store.Timeout),
		natsclient.WithMaxReconnects(a.cfg.Store.MaxReconnects),
		natsclient.WithReconnectWait(a.cfg.Store.ReconnectWait),
		natsclient.WithCredentials(a.cfg.Store.NATSUser, a.cfg.Store.NATSPassword),
		natsclient.WithToken(a.cfg.Store.NATSToken),
		natsclient.WithMetrics(a.registry),
	)
	if err != nil {
		return nil, err
	}
	client.OnHealthChange(func(healthy bool) {
		if healthy {
			a.monitor.UpdateHealthy(natsHealthComponent, "connected")
		} else {
			a.monitor.UpdateUnhealthy(natsHealthComponent, "disconnected")
		}
	})

	connCtx, cancel := context.WithTimeout(ctx, a.cfg.Store.Timeout)
	defer cancel()
	if err := client.ConnectWithRetry(connCtx, retry.Connect()); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client
	a.onClose(func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Store.Timeout)
		defer cancel()
		return client.Close(closeCtx)
	})

	store, err := docstore.NewNATSStore(client, a.cfg.Store.BucketPrefix, opts...)
	if err != nil {
		return nil, err
	}
	return store, nil
}
