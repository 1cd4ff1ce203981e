package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/api"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/config"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/inbound"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/distlock"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/retry"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/render"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/report"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/schedule"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/store"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/whatsapp"
)

const (
	whatsappDB     = "whatsapp.db"
	registrationDB = "registration.db"
	schedulesDB    = "schedules.db"
)

// tenantRuntime owns everything started for one tenant.
type tenantRuntime struct {
	id         string
	loc        *time.Location
	store      *store.Store
	session    *whatsapp.Session
	cache      *whatsapp.RegistrationCache
	schedules  *schedule.Store
	scheduler  *schedule.Scheduler
	inbound    *inbound.Context
	dispatcher *disparo.Dispatcher
	supervisor *disparo.Supervisor
	lock       distlock.DistLock
	cancel     context.CancelFunc
}

func startTenant(ctx context.Context, cfg *config.Config, tc config.TenantConfig, shared sharedSinks, redisClient *redis.Client, db *sql.DB, wg *sync.WaitGroup) (_ *tenantRuntime, err error) {
	rt := &tenantRuntime{id: tc.ID}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	rt.loc, err = tc.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tc.Timezone, err)
	}
	if rt.store, err = store.New(tc.DataDir); err != nil {
		return nil, err
	}

	// Single writer per tenant, taken before anything touches the session.
	ttl := cfg.Dispatch.LockTTL()
	rt.lock = distlock.NewLock(redisClient, db, "disparo:"+tc.ID, ttl)
	if err := distlock.Must(ctx, rt.lock); err != nil {
		rt.lock = nil
		return nil, fmt.Errorf("acquiring tenant lock: %w", err)
	}

	waLogger := whatsapp.NewLogger(tc.ID, logger.ParseLevel(cfg.WhatsApp.LogLevel))
	if rt.session, err = whatsapp.OpenSession(ctx, tc.ID, rt.store.Path(whatsappDB), waLogger); err != nil {
		return nil, err
	}
	if !rt.session.Paired() {
		return nil, fmt.Errorf("whatsapp session not paired, run with -pair %s", tc.ID)
	}

	if rt.cache, err = whatsapp.OpenRegistrationCache(rt.store.Path(registrationDB), cfg.WhatsApp.RegistrationCacheTTL()); err != nil {
		return nil, err
	}
	if n, err := rt.cache.Purge(ctx, time.Now()); err != nil {
		logger.Warn("purging registration cache", "tenant", tc.ID, "error", err.Error())
	} else if n > 0 {
		log.Printf("[Tenant:%s] Purged %d expired registration checks", tc.ID, n)
	}

	transport := whatsapp.NewTransport(rt.session.Client, whatsapp.TransportOptions{
		DefaultCountryCode: cfg.WhatsApp.DefaultCountryCode,
		CheckRate:          cfg.WhatsApp.CheckRatePerSecond,
		Cache:              rt.cache,
	})
	tpl := render.NewTemplateService()

	reporters := append([]disparo.Reporter(nil), shared.reporters...)
	if tc.AdminChat != "" {
		reporters = append(reporters, report.NewChatReporter(tc.AdminChat, transport, tpl))
	}
	logs := []disparo.DispatchLog{rt.store.DispatchLog()}
	if shared.dispatchLog != nil {
		logs = append(logs, shared.dispatchLog)
	}

	if rt.schedules, err = schedule.OpenStore(rt.store.Path(schedulesDB)); err != nil {
		return nil, err
	}
	rt.scheduler = schedule.NewScheduler(tc.ID, rt.schedules, transport, schedule.Options{
		MediaDir: rt.store.Path(store.MediaDir),
		Timeout:  cfg.WhatsApp.MediaTimeout(),
		Now:      func() time.Time { return time.Now().In(rt.loc) },
	})

	if tc.ResponderURL != "" {
		client := retry.NewRetryClient(&http.Client{Timeout: time.Minute}, 2)
		rt.inbound = inbound.NewContext(tc.ID, inbound.Options{
			History:   rt.store.History(),
			Responder: inbound.NewHTTPResponder(tc.ResponderURL, client),
			Sender:    transport,
			Debounce:  tc.InboundDebounce(),
		})
		ic := rt.inbound
		rt.session.OnMessage(func(m whatsapp.InboundMessage) {
			ic.Handle(m.ChatID, m.Phone, m.Text)
		})
	}

	if err := rt.session.Connect(); err != nil {
		return nil, err
	}

	// Messages scheduled for today are armed now; later days are armed at
	// each local midnight.
	if err := rt.scheduler.RunDue(ctx, time.Now().In(rt.loc)); err != nil {
		logger.Warn("arming scheduled messages", "tenant", tc.ID, "error", err.Error())
	}
	rt.scheduler.Start()

	rt.dispatcher = disparo.NewDispatcher(disparo.Dependencies{
		Rules:     rt.store.Rules(),
		Lists:     rt.store.Lists(),
		State:     rt.store.State(),
		History:   rt.store.History(),
		Log:       report.NewMultiLog(logs...),
		Transport: transport,
		Reporter:  report.NewMulti(reporters...),
		Scheduler: rt.scheduler,
		Renderer:  tpl,
	}, disparo.Options{
		Tenant:       tc.ID,
		Location:     rt.loc,
		MediaDir:     rt.store.Path(store.MediaDir),
		SendTimeout:  cfg.WhatsApp.SendTimeout(),
		MediaTimeout: cfg.WhatsApp.MediaTimeout(),
		IdleSleep:    cfg.Dispatch.IdleSleep(),
		BurstPause:   cfg.Dispatch.BurstPause(),
	})
	rt.supervisor = disparo.NewSupervisor(tc.ID, rt.dispatcher, cfg.Dispatch.Cooldown(), nil)

	tctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	go distlock.KeepAlive(tctx, rt.lock, ttl, ttl/3, func(err error) {
		log.Printf("[Tenant:%s] Lost writer lock: %v, stopping", tc.ID, err)
		cancel()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.supervisor.RunForever(tctx)
	}()

	log.Printf("[Tenant:%s] Started (data dir %s, timezone %s)", tc.ID, tc.DataDir, rt.loc)
	return rt, nil
}

func (rt *tenantRuntime) apiTenant() *api.Tenant {
	t := &api.Tenant{
		ID:         rt.id,
		Location:   rt.loc,
		Store:      rt.store,
		Status:     rt.dispatcher,
		Supervisor: rt.supervisor,
	}
	if rt.scheduler != nil {
		t.Schedules = rt.scheduler
	}
	return t
}

// close releases what startTenant opened. It tolerates a partial start.
func (rt *tenantRuntime) close() {
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.inbound != nil {
		rt.inbound.Close()
	}
	if rt.scheduler != nil {
		rt.scheduler.Stop()
	}
	if rt.schedules != nil {
		rt.schedules.Close()
	}
	if rt.session != nil {
		rt.session.Close()
	}
	if rt.cache != nil {
		rt.cache.Close()
	}
	if rt.lock != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.lock.Release(releaseCtx); err != nil {
			log.Printf("[Tenant:%s] Releasing lock: %v", rt.id, err)
		}
		cancel()
	}
}
