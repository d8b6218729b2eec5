package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/client"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/relation"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/transport"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/view"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(commandContext(cmd))
		},
	}
	defaults := viper.GetViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Access token TTL in minutes")
	bindCommandFlag(cmd, "http.address", "http-address")
	bindCommandFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	return cmd
}

func newSyncCommand() *cobra.Command {
	var objects []string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate objects with the sync authority until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(objects) == 0 {
				return errors.New("at least one --object is required")
			}
			return runSync(commandContext(cmd), objects)
		},
	}
	defaults := viper.GetViper()
	cmd.Flags().StringSliceVar(&objects, "object", nil, "Object id to replicate (repeatable)")
	cmd.Flags().String("sync-url", defaults.GetString("sync.url"), "Websocket URL of the sync authority")
	cmd.Flags().String("token", "", "Access token presented to the authority")
	bindCommandFlag(cmd, "sync.url", "sync-url")
	bindCommandFlag(cmd, "auth.token", "token")
	return cmd
}

func newViewCommand() *cobra.Command {
	var databaseID, viewID string
	var wait bool
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Compute a database view from the local replica and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseID == "" || viewID == "" {
				return errors.New("--database and --view are required")
			}
			return runView(cmd, databaseID, viewID, wait)
		},
	}
	cmd.Flags().StringVar(&databaseID, "database", "", "Database document id")
	cmd.Flags().StringVar(&viewID, "view", "", "View id")
	cmd.Flags().BoolVar(&wait, "wait", true, "Resolve relation and rollup cells before filtering")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var subject string
	var objects []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			return runToken(cmd, subject, objects)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Replica or user the token is issued to")
	cmd.Flags().StringSliceVar(&objects, "object", nil, "Restrict the token to these object ids (repeatable)")
	return cmd
}

func bindCommandFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	if err := appConfig.RequireSigningSecret(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServe(ctx context.Context) error {
	rt, err := openRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	tokens, err := newTokenIssuer(rt.config)
	if err != nil {
		return err
	}
	authority, err := server.NewAuthority(server.AuthorityConfig{
		Registry: rt.registry,
		Policy:   server.ClaimsPolicy{},
		Logger:   rt.logger,
	})
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authority: authority,
		Tokens:    tokens,
		Heartbeat: rt.heartbeat(),
		Logger:    rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authorityDone := make(chan struct{})
	go func() {
		defer close(authorityDone)
		_ = authority.Run(signalCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-authorityDone
		return err
	case err := <-errCh:
		stop()
		<-authorityDone
		return err
	}
}

func runSync(ctx context.Context, objects []string) error {
	rt, err := openRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	workspace, err := client.New(client.Config{
		Registry: rt.registry,
		Store:    rt.store,
		Dialer: transport.WebSocketDialer{
			URL:       rt.config.SyncURL,
			Token:     rt.config.Token,
			Heartbeat: rt.heartbeat(),
			Logger:    rt.logger,
		},
		Backoff: rt.backoff(),
		OnAccessRevoked: func(objectID, reason string) {
			rt.logger.Warn("replica dropped", zap.String("object_id", objectID), zap.String("reason", reason))
		},
		Logger: rt.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := workspace.Close(); err != nil {
			rt.logger.Warn("workspace close failed", zap.Error(err))
		}
	}()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, objectID := range objects {
		if _, err := workspace.Attach(signalCtx, objectID); err != nil {
			return fmt.Errorf("attach %s: %w", objectID, err)
		}
	}
	rt.logger.Info("replicating", zap.Strings("objects", objects), zap.String("url", rt.config.SyncURL))

	err = workspace.Run(signalCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// offlineDialer keeps the view command on the local replica.
type offlineDialer struct{}

func (offlineDialer) Dial(context.Context) (transport.Transport, error) {
	return nil, transport.ErrNotConnected
}

type renderedRow struct {
	ID    string            `json:"id"`
	Cells map[string]string `json:"cells"`
}

type renderedGroup struct {
	Key  string   `json:"key"`
	Name string   `json:"name,omitempty"`
	Rows []string `json:"rows"`
}

type renderedView struct {
	ID     string          `json:"id"`
	Name   string          `json:"name,omitempty"`
	Rows   []renderedRow   `json:"rows"`
	Groups []renderedGroup `json:"groups,omitempty"`
}

func runView(cmd *cobra.Command, databaseID, viewID string, wait bool) error {
	rt, err := openRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	workspace, err := client.New(client.Config{
		Registry: rt.registry,
		Store:    rt.store,
		Dialer:   offlineDialer{},
		Logger:   rt.logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = workspace.Close() }()

	projection, err := workspace.ComputeView(commandContext(cmd), databaseID, viewID, wait)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(renderProjection(projection, workspace.Relations()))
}

func renderProjection(projection view.Projection, relations *relation.Cache) renderedView {
	rendered := renderedView{ID: projection.View.ID, Name: projection.View.Name, Rows: make([]renderedRow, 0, len(projection.Rows))}
	for _, row := range projection.Rows {
		cells := make(map[string]string, len(projection.Fields))
		for _, field := range projection.Fields {
			cell, ok := row.Cells[field.ID]
			if field.Type == fields.Relation || field.Type == fields.Rollup {
				cells[field.ID] = relations.Lookup(relation.CellID(row.ID, field.ID)).Text
				continue
			}
			if !ok {
				continue
			}
			cells[field.ID] = fields.DecodeText(cell, field, nil)
		}
		rendered.Rows = append(rendered.Rows, renderedRow{ID: row.ID, Cells: cells})
	}
	for _, group := range projection.Groups {
		ids := make([]string, 0, len(group.Rows))
		for _, row := range group.Rows {
			ids = append(ids, row.ID)
		}
		rendered.Groups = append(rendered.Groups, renderedGroup{Key: group.Key, Name: group.Name, Rows: ids})
	}
	return rendered
}

func runToken(cmd *cobra.Command, subject string, objects []string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.Issue(subject, objects...)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	return encoder.Encode(struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}{Token: token, ExpiresAt: expiresAt})
}
