// Copyright 2025 The lilac Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/gitrepo"
	"github.com/lilac-dev/lilac/pkg/graph"
	"github.com/lilac-dev/lilac/pkg/mail"
	"github.com/lilac-dev/lilac/pkg/metrics"
	"github.com/lilac-dev/lilac/pkg/nvchecker"
	"github.com/lilac-dev/lilac/pkg/planner"
	"github.com/lilac-dev/lilac/pkg/publish"
	"github.com/lilac-dev/lilac/pkg/recipe"
	"github.com/lilac-dev/lilac/pkg/repo"
	"github.com/lilac-dev/lilac/pkg/scheduler"
	"github.com/lilac-dev/lilac/pkg/store"
	"github.com/lilac-dev/lilac/pkg/types"
	"github.com/lilac-dev/lilac/pkg/worker"
	"github.com/lilac-dev/lilac/pkg/workers"
)

func runCmd(configFile *string) *cobra.Command {
	var noPull bool

	cmd := &cobra.Command{
		Use:   "run [pkgbase...]",
		Short: "run one batch: check versions, plan, build, and publish",
		Long: `Run one full batch. With no arguments every managed package is
considered; naming pkgbases forces them into the batch regardless of
version changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), cfg, args, noPull)
		},
	}
	cmd.Flags().BoolVar(&noPull, "no-pull", false, "skip updating the recipe repository")
	return cmd
}

func runBatch(ctx context.Context, cfg *config.Config, requested []string, noPull bool) error {
	log := clog.FromContext(ctx)

	m := metrics.New()
	go m.Serve(ctx, cfg.Lilac.MetricsAddr)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sender := mail.NewService(cfg)

	gitOpts := []gitrepo.Option{gitrepo.WithIdentity(cfg.Lilac.Name, cfg.Lilac.Email)}
	if cfg.Lilac.CommitMsgPrefix != "" {
		gitOpts = append(gitOpts, gitrepo.WithCommitMsgPrefix(cfg.Lilac.CommitMsgPrefix))
	}
	git, err := gitrepo.Open(cfg.Repository.Repodir, gitOpts...)
	if err != nil {
		return fmt.Errorf("opening recipe repository: %w", err)
	}

	oldHead, err := git.Head()
	if err != nil {
		return err
	}
	if !noPull {
		if err := git.Pull(ctx); err != nil {
			log.Warnf("pulling recipe repository: %v", err)
		}
	}
	newHead, err := git.Head()
	if err != nil {
		return err
	}
	changed, err := git.ChangedPkgbases(oldHead, newHead)
	if err != nil {
		return err
	}
	pkgrelChanged, err := git.PkgrelChanged(oldHead, newHead, changed)
	if err != nil {
		return err
	}

	recipes, loadErrs, err := recipe.LoadAll(cfg.Repository.Repodir, recipe.Options{
		RepoName:    cfg.Repository.Name,
		PacmanDBDir: cfg.Repository.PacmanDBDir,
	})
	if err != nil {
		return err
	}
	rrepo := repo.New(cfg, recipes, sender, git)
	for name, le := range loadErrs {
		log.Errorf("recipe %s: %v", name, le)
		rrepo.SendErrorReport(ctx, name, "%s lilac.yaml error", le.Error(), "")
	}

	gr := graph.Build(cfg.Repository.Repodir, recipes)
	excludeCyclic(ctx, rrepo, recipes, gr)

	checker := &nvchecker.Checker{
		Rundir:  lilacDir(),
		Repodir: cfg.Repository.Repodir,
		Proxy:   cfg.Nvchecker.Proxy,
		Keyfile: config.ExpandUser(cfg.Nvchecker.Keyfile),
	}
	check, err := checker.Check(ctx, recipes)
	if err != nil {
		return fmt.Errorf("checking upstream versions: %w", err)
	}
	rrepo.SendNvcheckerReports(ctx, check)

	failed, err := lastFailed(ctx, st, recipes)
	if err != nil {
		return err
	}

	reqMap := make(map[string]string, len(requested))
	for _, name := range requested {
		reqMap[name] = ""
	}
	plans, err := planner.Compute(ctx, planner.Inputs{
		Recipes:       recipes,
		Check:         check,
		Changed:       changed,
		PkgrelChanged: pkgrelChanged,
		Failed:        failed,
		RebuildFailed: cfg.Lilac.RebuildFailedPkgs,
		Requested:     reqMap,
		Store:         st,
	})
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		log.Infof("nothing to build")
		return nil
	}

	logdir := lilacDir("log", time.Now().Format("2006-01-02T15:04:05"))
	if err := os.MkdirAll(logdir, 0o755); err != nil {
		return err
	}
	batchID := uuid.NewString()
	log.Infof("starting batch %s with %d package(s), logs in %s", batchID, len(plans), logdir)
	if err := st.BatchEvent(ctx, "start", batchID, logdir); err != nil {
		log.Warnf("recording batch start: %v", err)
	}
	batchStart := time.Now()
	defer func() {
		m.BatchDurationSeconds.Observe(time.Since(batchStart).Seconds())
		if err := st.BatchEvent(ctx, "stop", batchID, logdir); err != nil {
			log.Warnf("recording batch stop: %v", err)
		}
	}()

	mgr := workers.NewManager(cfg)
	if err := mgr.PrepareBatch(ctx); err != nil {
		return fmt.Errorf("preparing workers: %w", err)
	}
	defer mgr.FinishBatch(ctx)

	pkgs := make(map[string]scheduler.PkgInfo, len(recipes))
	for name, r := range recipes {
		if !r.Managed {
			continue
		}
		pkgs[name] = scheduler.PkgInfo{
			TimeLimit:      r.TimeLimit(),
			NvResults:      check.Results[name],
			OnBuild:        r.UpdateOnBuild,
			AllowedWorkers: r.AllowedWorkers,
			Staging:        r.Staging,
		}
	}

	names := make([]string, 0, len(plans))
	for name := range plans {
		names = append(names, name)
	}
	rusages, err := st.LastRusages(ctx, names)
	if err != nil {
		log.Warnf("loading resource history: %v", err)
		rusages = types.Rusages{}
	}

	pub := &publish.Publisher{
		Destdir: cfg.Repository.Destdir,
		SignKey: cfg.Repository.SignKey,
		Sender:  sender,
	}

	sched := &scheduler.Scheduler{
		Cfg:     cfg,
		Pkgs:    pkgs,
		Graph:   gr,
		Store:   st,
		Manager: mgr,
		Launcher: &scheduler.WorkerLauncher{
			Cfg:    cfg,
			Graph:  gr,
			Pkgs:   pkgs,
			Logdir: logdir,
		},
		Logdir:  logdir,
		Rusages: rusages,
		MaintainersFor: func(pkgbase string) []types.Maintainer {
			return rrepo.FindMaintainers(ctx, pkgbase)
		},
	}
	if cfg.Lilac.BatchTimeLimitHours > 0 {
		sched.BatchDeadline = batchStart.Add(
			time.Duration(cfg.Lilac.BatchTimeLimitHours * float64(time.Hour)))
	}
	sched.Hooks = scheduler.Hooks{
		QueueSizes: m.UpdateQueues,
		OnSuccess: func(ctx context.Context, pkgbase, builder string, res *worker.Result) {
			m.RecordBuild(string(res.Status), builder, res.Elapsed)
			onSuccess(ctx, cfg, recipes, rrepo, pub, checker, git, pkgbase, res)
		},
		OnFailure: func(ctx context.Context, pkgbase, builder string, res *worker.Result, msg string) {
			m.RecordBuild(string(types.BuildFailed), builder, 0)
			logfile := ""
			if res != nil {
				logfile = filepath.Join(logdir, pkgbase+".log")
			}
			rrepo.SendErrorReport(ctx, pkgbase, "%s failed to build", msg, logfile)
		},
	}

	if err := st.ClearCurrent(ctx); err != nil {
		log.Warnf("clearing current status: %v", err)
	}
	if err := sched.Prepare(ctx, plans); err != nil {
		return err
	}
	runErr := sched.Run(ctx)

	if cfg.Lilac.GitPush {
		if err := git.Push(ctx); err != nil {
			log.Errorf("pushing recipe repository: %v", err)
		}
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return fmt.Errorf("%w: %v", ErrScheduler, runErr)
	}
	// build failures are terminal states reported by mail; they do not
	// fail the batch itself
	if n := len(sched.Failed()); n > 0 {
		log.Errorf("%d package(s) failed to build: %s", n, strings.Join(sched.Failed(), ", "))
	}
	return nil
}

// onSuccess publishes the built artifacts, acknowledges the new
// version, commits recipe changes, and runs the postbuild hooks.
func onSuccess(ctx context.Context, cfg *config.Config, recipes map[string]*recipe.Recipe,
	rrepo *repo.Repo, pub *publish.Publisher, checker *nvchecker.Checker,
	git *gitrepo.Repo, pkgbase string, res *worker.Result,
) {
	log := clog.FromContext(ctx)

	artifacts := collectArtifacts(filepath.Join(cfg.Repository.Repodir, pkgbase))
	if len(artifacts) == 0 {
		log.Errorf("%s reported success but left no artifacts", pkgbase)
		return
	}

	rec := recipes[pkgbase]
	var maints []string
	for _, mt := range rrepo.FindMaintainers(ctx, pkgbase) {
		maints = append(maints, mt.String())
	}
	if err := pub.Publish(ctx, pkgbase, artifacts, rec != nil && rec.Staging, maints); err != nil {
		log.Errorf("publishing %s: %v", pkgbase, err)
		rrepo.ReportError(ctx, fmt.Sprintf("failed to publish %s", pkgbase), err.Error())
		return
	}

	if err := checker.Take(ctx, []string{pkgbase}, recipes); err != nil {
		log.Errorf("recording new version of %s: %v", pkgbase, err)
	}
	if _, err := git.Commit(fmt.Sprintf("%s: updated to %s", pkgbase, res.Version), pkgbase); err != nil {
		log.Errorf("committing %s: %v", pkgbase, err)
	}

	rrepo.OnBuilt(ctx, pkgbase, res.ToBuildResult(), res.Version)
}

// collectArtifacts lists the package files a build left in its recipe
// directory.
func collectArtifacts(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".pkg.tar.zst") || strings.HasSuffix(name, ".pkg.tar.xz") ||
			strings.HasSuffix(name, ".pkg.tar.zst.sig") || strings.HasSuffix(name, ".pkg.tar.xz.sig") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out
}

// excludeCyclic unmanages recipes on dependency cycles and tells the
// repository maintainers once per batch.
func excludeCyclic(ctx context.Context, rrepo *repo.Repo, recipes map[string]*recipe.Recipe, gr *graph.Graph) {
	log := clog.FromContext(ctx)

	cyclic := gr.Cyclic()
	if len(cyclic) == 0 {
		return
	}
	var lines []string
	for _, name := range sortedKeys(cyclic) {
		log.Errorf("%s is on a dependency cycle: %v", name, cyclic[name])
		lines = append(lines, fmt.Sprintf("%s: %s", name, strings.Join(cyclic[name], " -> ")))
		if r, ok := recipes[name]; ok {
			r.Managed = false
		}
	}
	rrepo.SendRepoMail(ctx, "dependency cycles detected",
		"The following packages form dependency cycles and are excluded:\n\n"+
			strings.Join(lines, "\n")+"\n")
}

func lastFailed(ctx context.Context, st store.Store, recipes map[string]*recipe.Recipe) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for name, r := range recipes {
		if !r.Managed {
			continue
		}
		failed, err := st.IsLastBuildFailed(ctx, name)
		if err != nil {
			return nil, err
		}
		if failed {
			out[name] = struct{}{}
		}
	}
	return out, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Lilac.DBURL == "" {
		clog.FromContext(ctx).Warnf("no dburl configured, build history will not persist")
		return store.NewMemoryStore(), nil
	}
	if err := store.RunMigrations(cfg.Lilac.DBURL); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return store.NewPostgresStore(ctx, cfg.Lilac.DBURL)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
