package server

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/energizer-project/energizer/internal/config"
	"github.com/energizer-project/energizer/internal/events"
	"github.com/energizer-project/energizer/internal/network"
	"github.com/energizer-project/energizer/internal/restartpolicy"
	"github.com/energizer-project/energizer/internal/scaling"
)

const pidFileName = "energizer_servers.pid"

// Manager is the central orchestrator for all game server instances,
// owning the fleet of game servers, their connections, lifecycle events,
// and health monitoring. Instances are registered by id, with a secondary
// port index kept in sync for demultiplexing inbound packets, which only
// carry the port.
type Manager struct {
	mu sync.RWMutex

	cfg      *config.Config
	eventBus *events.EventBus

	// Server instances indexed by id (svr_slave)
	servers map[int]*Instance
	// Secondary index from game port to instance, rebuilt whenever
	// servers is mutated.
	byPort map[uint16]*Instance

	// Connection registry
	connRegistry *network.ConnectionRegistry

	// Startup semaphore to limit concurrent server starts
	startSemaphore *semaphore.Weighted
	maxConcurrent  int64

	// Server version info
	honVersion     string
	managerVersion string
	publicIP       string

	// lagMonitor aggregates skipped-frame telemetry across all instances
	// for the /get_skipped_frame_data API.
	lagMonitor *LagMonitor

	// cowMaster is non-nil only when use_cowmaster is enabled in config.
	cowMaster *CowMaster
}

// NewManager creates and initializes the server manager.
func NewManager(cfg *config.Config, eventBus *events.EventBus) (*Manager, error) {
	maxConcurrent := cfg.GetHoNData().MaxConcurrentStarts
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	mgr := &Manager{
		cfg:            cfg,
		eventBus:       eventBus,
		servers:        make(map[int]*Instance),
		byPort:         make(map[uint16]*Instance),
		connRegistry:   network.NewConnectionRegistry(),
		startSemaphore: semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent:  int64(maxConcurrent),
		managerVersion: "1.0.0",
	}
	mgr.lagMonitor = NewLagMonitor(eventBus, mgr.instanceIDForPort)

	if cfg.GetHoNData().UseCowMaster {
		mgr.cowMaster = NewCowMaster(cfg, eventBus)
	}

	log.Info().Int("max_concurrent_starts", maxConcurrent).Msg("server startup concurrency configured")

	// Subscribe to events
	mgr.subscribeEvents()

	// Pre-create server instances
	mgr.initializeServers()

	return mgr, nil
}

// StartRestartSweeper runs the restart policy sweep until ctx is cancelled,
// recycling instances that are past their drawn uptime target once they go
// idle, or once max_wait_for_game has passed since the target was reached.
func (m *Manager) StartRestartSweeper(ctx context.Context, interval time.Duration) {
	sweeper := restartpolicy.NewSweeper(interval, func() []restartpolicy.Target {
		m.mu.RLock()
		defer m.mu.RUnlock()
		targets := make([]restartpolicy.Target, 0, len(m.servers))
		for _, inst := range m.servers {
			targets = append(targets, inst)
		}
		return targets
	})
	sweeper.Run(ctx)
}

// GetLagMonitor returns the manager's lag/skipped-frame aggregator.
func (m *Manager) GetLagMonitor() *LagMonitor {
	return m.lagMonitor
}

// CowMasterMemoryUsage returns the CowMaster process's memory usage in MB,
// or false if CowMaster isn't enabled or isn't currently running.
func (m *Manager) CowMasterMemoryUsage() (float64, bool) {
	if m.cowMaster == nil {
		return 0, false
	}
	mb, err := m.cowMaster.GetMemoryUsage()
	if err != nil {
		return 0, false
	}
	return mb, true
}

// instanceIDForPort resolves the instance id bound to a port at the moment
// a lag event arrives, so LagMonitor can report against the registry's
// stable id rather than the wire-level port alone.
func (m *Manager) instanceIDForPort(port uint16) (int, bool) {
	inst, ok := m.GetInstanceByPort(port)
	if !ok {
		return 0, false
	}
	return inst.ID(), true
}

// StartBackgroundMonitors runs the lag threshold checker and, when configured,
// the CowMaster pre-warm process. It blocks until ctx is cancelled.
func (m *Manager) StartBackgroundMonitors(ctx context.Context) {
	interval := time.Duration(m.cfg.ApplicationData.Timers.LagCheckInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	if m.cowMaster != nil {
		if err := m.cowMaster.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to start CowMaster, falling back to per-instance exec")
		}
	}

	m.lagMonitor.Start(ctx, interval)
}

// subscribeEvents registers all event handlers on the EventBus.
func (m *Manager) subscribeEvents() {
	bus := m.eventBus

	// Server lifecycle events
	bus.Subscribe(events.EventServerAnnounce, "manager.serverAnnounce", m.onServerAnnounce)
	bus.Subscribe(events.EventServerClosed, "manager.serverClosed", m.onServerClosed)
	bus.Subscribe(events.EventServerStatus, "manager.serverStatus", m.onServerStatus)
	bus.Subscribe(events.EventLobbyCreated, "manager.lobbyCreated", m.onLobbyCreated)
	bus.Subscribe(events.EventLobbyClosed, "manager.lobbyClosed", m.onLobbyClosed)
	bus.Subscribe(events.EventPlayerConnection, "manager.playerConnection", m.onPlayerConnection)
	bus.Subscribe(events.EventLongFrame, "manager.longFrame", m.onLongFrame)
	bus.Subscribe(events.EventReplayStatus, "manager.replayStatus", m.onReplayStatus)
	bus.Subscribe(events.EventCowMasterResponse, "manager.cowmasterResponse", m.onCowMasterResponse)

	// Command events
	bus.Subscribe(events.EventShutdownServer, "manager.shutdownServer", m.onCmdShutdownServer)
	bus.Subscribe(events.EventWakeServer, "manager.wakeServer", m.onCmdWakeServer)
	bus.Subscribe(events.EventSleepServer, "manager.sleepServer", m.onCmdSleepServer)
	bus.Subscribe(events.EventMessageServer, "manager.messageServer", m.onCmdMessageServer)

	// Config events
	bus.Subscribe(events.EventConfigChanged, "manager.configChanged", m.onConfigChanged)

	// Shutdown
	bus.Subscribe(events.EventShutdown, "manager.shutdown", m.onShutdown)

	log.Debug().Msg("manager event subscriptions registered")
}

// initializeServers pre-creates server instances based on configuration.
func (m *Manager) initializeServers() {
	honData := m.cfg.GetHoNData()
	totalServers := honData.TotalServers
	startPort := uint16(honData.StartingGamePort)

	log.Info().
		Int("total", totalServers).
		Uint16("start_port", startPort).
		Msg("initializing server instances")

	for i := 0; i < totalServers; i++ {
		serverID := i + 1 // 1-indexed, matching the svr_slave convention
		port := startPort + uint16(i)
		affinity := calculateCPUAffinity(i, honData.ServersPerCore)

		inst := NewInstance(m.cfg, m.eventBus, InstanceConfig{
			ID:          serverID,
			Port:        port,
			CPUAffinity: affinity,
		})
		inst.SetConnectionRegistry(m.connRegistry)
		if m.cowMaster != nil {
			inst.SetCowMaster(m.cowMaster)
		}

		m.servers[serverID] = inst
		m.byPort[port] = inst
		log.Debug().Int("id", serverID).Uint16("port", port).Ints32("affinity", affinity).Msg("server instance created")
	}
}

// StartAll launches all configured game servers in batches.
// Each batch starts up to MaxConcurrentStarts servers, then waits for them
// to reach READY state (or timeout) before starting the next batch.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	servers := make([]*Instance, 0, len(m.servers))
	for _, inst := range m.servers {
		servers = append(servers, inst)
	}
	m.mu.RUnlock()

	// Sort by port for deterministic startup order
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Port() < servers[j].Port()
	})

	batchSize := int(m.maxConcurrent)
	totalCount := len(servers)

	log.Info().Int("count", totalCount).Int("batch_size", batchSize).Msg("starting all game servers")

	var totalSuccess, totalFail int

	for batchStart := 0; batchStart < totalCount; batchStart += batchSize {
		batchEnd := batchStart + batchSize
		if batchEnd > totalCount {
			batchEnd = totalCount
		}
		batch := servers[batchStart:batchEnd]
		batchNum := (batchStart / batchSize) + 1

		log.Info().
			Int("batch", batchNum).
			Int("servers", len(batch)).
			Int("from", batchStart+1).
			Int("to", batchEnd).
			Msg("starting batch")

		// Start all servers in this batch concurrently
		var wg sync.WaitGroup
		var batchSuccess, batchFail int
		var mu sync.Mutex

		for _, inst := range batch {
			inst := inst
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := inst.Start(ctx); err != nil {
					log.Warn().Err(err).Uint16("port", inst.Port()).Msg("failed to start server")
					mu.Lock()
					batchFail++
					mu.Unlock()
					return
				}
				mu.Lock()
				batchSuccess++
				mu.Unlock()
			}()
		}
		wg.Wait()

		totalSuccess += batchSuccess
		totalFail += batchFail

		log.Info().
			Int("batch", batchNum).
			Int("success", batchSuccess).
			Int("failed", batchFail).
			Msg("batch processes spawned")

		// Wait for servers in this batch to become READY before starting next batch
		if batchEnd < totalCount && batchSuccess > 0 {
			m.waitForBatchReady(ctx, batch, 120*time.Second)
		}
	}

	log.Info().
		Int("success", totalSuccess).
		Int("failed", totalFail).
		Int("total", totalCount).
		Msg("game server startup complete")

	if totalFail > 0 && totalSuccess == 0 {
		return fmt.Errorf("all %d servers failed to start", totalFail)
	}

	// Save PIDs to file for cleanup on restart
	m.savePIDFile()

	return nil
}

// waitForBatchReady waits until all servers in the batch reach READY state
// or the timeout expires. This ensures a batch is fully loaded before the
// next batch starts, preventing CPU/memory overload from too many servers
// loading game assets simultaneously.
func (m *Manager) waitForBatchReady(ctx context.Context, batch []*Instance, timeout time.Duration) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	log.Info().Int("count", len(batch)).Msg("waiting for batch to become ready")

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			log.Warn().Msg("batch ready timeout reached, proceeding with next batch")
			return
		case <-ticker.C:
			readyCount := 0
			for _, inst := range batch {
				status := inst.State().GetStatus()
				if status == events.GameStatusReady ||
					status == events.GameStatusOccupied ||
					status == events.GameStatusSleeping ||
					status == events.GameStatusStopped {
					readyCount++
				}
			}
			if readyCount >= len(batch) {
				log.Info().Int("ready", readyCount).Msg("all servers in batch are ready, proceeding")
				return
			}
			log.Debug().Int("ready", readyCount).Int("total", len(batch)).Msg("waiting for batch servers")
		}
	}
}

// CleanupLeftoverServers kills game servers from a previous run using the PID file.
// This should be called BEFORE starting new servers.
func (m *Manager) CleanupLeftoverServers() {
	pidFile := filepath.Join("config", pidFileName)
	f, err := os.Open(pidFile)
	if err != nil {
		return // No PID file = no leftover servers
	}
	defer f.Close()

	killed := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		// Try to kill the process
		terminateProcessPlatform(pid)
		killed++
	}

	if killed > 0 {
		log.Info().Int("count", killed).Msg("cleaned up leftover game server processes from PID file")
		// Wait for ports to be released
		time.Sleep(3 * time.Second)
	}

	// Remove the PID file
	os.Remove(pidFile)
}

// savePIDFile writes current game server PIDs to a file for cleanup on restart.
func (m *Manager) savePIDFile() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pidFile := filepath.Join("config", pidFileName)
	var lines []string
	lines = append(lines, "# Energizer game server PIDs - do not edit")
	for _, inst := range m.servers {
		if inst.process.IsRunning() {
			lines = append(lines, strconv.Itoa(inst.process.PID()))
		}
	}

	if len(lines) <= 1 {
		return // No running servers
	}

	os.WriteFile(pidFile, []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

// RemovePIDFile removes the PID file (called during clean shutdown).
func (m *Manager) RemovePIDFile() {
	pidFile := filepath.Join("config", pidFileName)
	os.Remove(pidFile)
}

// StopAll stops all running game servers.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log.Info().Msg("stopping all game servers")

	var wg sync.WaitGroup
	for _, inst := range m.servers {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inst.Stop(); err != nil {
				log.Error().Err(err).Uint16("port", inst.Port()).Msg("failed to stop server")
			}
		}()
	}
	wg.Wait()

	// Close all connections
	m.connRegistry.CloseAll()

	log.Info().Msg("all game servers stopped")
}

// GetInstance returns a server instance by id.
func (m *Manager) GetInstance(id int) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.servers[id]
	return inst, ok
}

// GetInstanceByPort returns a server instance by its game port, used to
// demultiplex inbound packets which only carry the port.
func (m *Manager) GetInstanceByPort(port uint16) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byPort[port]
	return inst, ok
}

// ScheduleImmediate arms an instance's restart without waiting for its drawn
// uptime target to pass.
func (m *Manager) ScheduleImmediate(id int, reason string) error {
	inst, ok := m.GetInstance(id)
	if !ok {
		return fmt.Errorf("no such server instance: %d", id)
	}
	inst.ScheduleImmediate(reason)
	return nil
}

// CancelScheduled clears a pending scheduled restart on an instance.
func (m *Manager) CancelScheduled(id int) error {
	inst, ok := m.GetInstance(id)
	if !ok {
		return fmt.Errorf("no such server instance: %d", id)
	}
	inst.CancelScheduled()
	return nil
}

// GetAllInstances returns all server instances, keyed by id.
func (m *Manager) GetAllInstances() map[int]*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[int]*Instance, len(m.servers))
	for k, v := range m.servers {
		result[k] = v
	}
	return result
}

// GetConnectionRegistry returns the connection registry.
func (m *Manager) GetConnectionRegistry() *network.ConnectionRegistry {
	return m.connRegistry
}

// HandleServerEvent is called by the TCP listener for each parsed event. It
// takes no action; state updates happen in the EventBus subscribers.
func (m *Manager) HandleServerEvent(ctx context.Context, event *events.Event) {
}

// GetAllInfo returns status information for all servers (for API), sorted by ID.
func (m *Manager) GetAllInfo() []InstanceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := make([]InstanceInfo, 0, len(m.servers))
	for _, inst := range m.servers {
		info = append(info, inst.GetInfo())
	}
	sort.Slice(info, func(i, j int) bool {
		return info[i].ID < info[j].ID
	})
	return info
}

// GetTotalServers returns the total number of configured servers.
func (m *Manager) GetTotalServers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.servers)
}

// GetRunningCount returns the number of currently running servers.
func (m *Manager) GetRunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, inst := range m.servers {
		if inst.IsRunning() {
			count++
		}
	}
	return count
}

// GetOccupiedCount returns the number of servers with active matches.
func (m *Manager) GetOccupiedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, inst := range m.servers {
		if inst.State().GetStatus() == events.GameStatusOccupied {
			count++
		}
	}
	return count
}

// SetPublicIP updates the public IP address.
func (m *Manager) SetPublicIP(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publicIP = ip
}

// GetPublicIP returns the current public IP.
func (m *Manager) GetPublicIP() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publicIP
}

// SetHoNVersion updates the HoN server version.
func (m *Manager) SetHoNVersion(version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.honVersion = version
}

// --- Event Handlers ---

func (m *Manager) onServerAnnounce(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerAnnouncePayload)
	if !ok {
		return fmt.Errorf("invalid server announce payload")
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		inst.State().SetStatus(events.GameStatusReady)
		log.Info().Uint16("port", payload.Port).Msg("server announced and registered")
	}
	return nil
}

func (m *Manager) onServerClosed(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerAnnouncePayload)
	if !ok {
		return nil
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		inst.State().SetStatus(events.GameStatusStopped)
		inst.State().ClearOnExit()
		log.Info().Uint16("port", payload.Port).Msg("server closed")
	}
	return nil
}

func (m *Manager) onServerStatus(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerStatusPayload)
	if !ok {
		return nil
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		inst.HandleStatusUpdate(payload)
	}
	return nil
}

func (m *Manager) onLobbyCreated(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.LobbyCreatedPayload)
	if !ok {
		return nil
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		inst.HandleLobbyCreated(payload)
	}
	return nil
}

func (m *Manager) onLobbyClosed(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerAnnouncePayload)
	if !ok {
		return nil
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		inst.HandleLobbyClosed()
	}
	return nil
}

func (m *Manager) onPlayerConnection(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PlayerConnectionPayload)
	if !ok {
		return nil
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		inst.HandlePlayerConnection(payload)
	}
	return nil
}

func (m *Manager) onLongFrame(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.LongFramePayload)
	if !ok {
		return nil
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		inst.HandleLongFrame(payload)
	}
	return nil
}

func (m *Manager) onReplayStatus(ctx context.Context, event events.Event) error {
	// Handle replay status updates
	return nil
}

func (m *Manager) onCowMasterResponse(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.CowMasterResponsePayload)
	if !ok {
		return nil
	}

	inst, ok := m.GetInstanceByPort(payload.Port)
	if !ok {
		return nil
	}

	if payload.Success {
		log.Info().Uint16("port", payload.Port).Int("pid", payload.PID).Msg("CowMaster fork succeeded")
		return nil
	}

	log.Warn().Uint16("port", payload.Port).Msg("CowMaster fork failed, recovering via per-instance exec")
	return inst.RecoverFromFailedFork(ctx)
}

func (m *Manager) onCmdShutdownServer(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerCommandPayload)
	if !ok {
		return nil
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		return inst.Stop()
	}
	return fmt.Errorf("server not found on port %d", payload.Port)
}

func (m *Manager) onCmdWakeServer(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerCommandPayload)
	if !ok {
		return nil
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		if inst.State().GetStatus() == events.GameStatusSleeping {
			inst.State().SetStatus(events.GameStatusReady)
			log.Info().Uint16("port", payload.Port).Msg("server woken up")
		}
	}
	return nil
}

func (m *Manager) onCmdSleepServer(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerCommandPayload)
	if !ok {
		return nil
	}

	if inst, ok := m.GetInstanceByPort(payload.Port); ok {
		inst.State().SetStatus(events.GameStatusSleeping)
		log.Info().Uint16("port", payload.Port).Msg("server put to sleep")
	}
	return nil
}

func (m *Manager) onCmdMessageServer(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerCommandPayload)
	if !ok {
		return nil
	}

	conn, ok := m.connRegistry.Get(payload.Port)
	if !ok {
		return fmt.Errorf("no connection for port %d", payload.Port)
	}

	if len(payload.Args) > 0 {
		return conn.SendBroadcast(payload.Args[0])
	}
	return nil
}

func (m *Manager) onConfigChanged(ctx context.Context, event events.Event) error {
	log.Info().Msg("configuration changed")
	// Only logged: the config is not re-read and running servers (including
	// their proxy setting) are left unchanged.
	return nil
}

func (m *Manager) onShutdown(ctx context.Context, event events.Event) error {
	log.Info().Msg("shutdown event received, stopping all servers")
	m.StopAll()
	if m.cowMaster != nil {
		if err := m.cowMaster.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop CowMaster cleanly")
		}
	}
	return nil
}

// calculateCPUAffinity assigns CPU cores to a server based on its index.
// serversPerCore is the svr_total_per_core multiplier (servers-per-core),
// the same quantity internal/capacity.Capacity uses to size the fleet.
func calculateCPUAffinity(serverIndex int, serversPerCore float64) []int32 {
	if serversPerCore <= 0 {
		return nil
	}
	coreIndex := int32(float64(serverIndex) / serversPerCore)
	return []int32{coreIndex}
}

// AddServers dynamically adds new server instances. New ids/ports continue
// from max(existing)+1 and are never backfilled into gaps left by removal,
// so a server's id stays stable for its whole lifetime in the pool.
func (m *Manager) AddServers(ctx context.Context, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	honData := m.cfg.GetHoNData()

	maxID := 0
	for id := range m.servers {
		if id > maxID {
			maxID = id
		}
	}
	maxPort := uint16(honData.StartingGamePort) - 1
	for port := range m.byPort {
		if port > maxPort {
			maxPort = port
		}
	}

	for i := 0; i < count; i++ {
		serverID := maxID + i + 1
		port := maxPort + uint16(i) + 1
		affinity := calculateCPUAffinity(serverID-1, honData.ServersPerCore)

		inst := NewInstance(m.cfg, m.eventBus, InstanceConfig{
			ID:          serverID,
			Port:        port,
			CPUAffinity: affinity,
		})
		inst.SetConnectionRegistry(m.connRegistry)
		if m.cowMaster != nil {
			inst.SetCowMaster(m.cowMaster)
		}

		m.servers[serverID] = inst
		m.byPort[port] = inst

		go func(inst *Instance) {
			if err := inst.Start(ctx); err != nil {
				log.Error().Err(err).Uint16("port", inst.Port()).Msg("failed to start new server")
			}
		}(inst)
	}

	// Persist new total to config so it survives restart
	honData.TotalServers = len(m.servers)
	m.cfg.SetHoNData(honData)
	if err := m.cfg.Save(); err != nil {
		log.Warn().Err(err).Msg("failed to save config after adding servers")
	}

	log.Info().Int("count", count).Msg("added new servers")
	return nil
}

// RemoveServers removes server instances (stops and removes from pool) by id.
func (m *Manager) RemoveServers(ids []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if inst, ok := m.servers[id]; ok {
			inst.Stop()
			delete(m.servers, id)
			delete(m.byPort, inst.Port())
			log.Info().Int("id", id).Msg("server removed from pool")
		}
	}

	// Persist new total to config so it survives restart
	honData := m.cfg.GetHoNData()
	honData.TotalServers = len(m.servers)
	m.cfg.SetHoNData(honData)
	if err := m.cfg.Save(); err != nil {
		log.Warn().Err(err).Msg("failed to save config after removing servers")
	}

	return nil
}

// AddNewServer creates and registers a single instance at the next available
// id/port (without starting it) and returns its id. This is the
// add_new_server() primitive the scaling engine's Provider interface needs;
// AddServers uses the same gap-preserving id/port scheme for bulk adds.
func (m *Manager) AddNewServer() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	honData := m.cfg.GetHoNData()

	maxID := 0
	for id := range m.servers {
		if id > maxID {
			maxID = id
		}
	}
	maxPort := uint16(honData.StartingGamePort) - 1
	for port := range m.byPort {
		if port > maxPort {
			maxPort = port
		}
	}

	serverID := maxID + 1
	port := maxPort + 1
	affinity := calculateCPUAffinity(serverID-1, honData.ServersPerCore)

	inst := NewInstance(m.cfg, m.eventBus, InstanceConfig{
		ID:          serverID,
		Port:        port,
		CPUAffinity: affinity,
	})
	inst.SetConnectionRegistry(m.connRegistry)
	if m.cowMaster != nil {
		inst.SetCowMaster(m.cowMaster)
	}

	m.servers[serverID] = inst
	m.byPort[port] = inst

	honData.TotalServers = len(m.servers)
	m.cfg.SetHoNData(honData)
	if err := m.cfg.Save(); err != nil {
		log.Warn().Err(err).Msg("failed to save config after adding a server")
	}

	log.Info().Int("id", serverID).Uint16("port", port).Msg("registered new server")
	return serverID
}

// Start starts a registered instance by id. Pairs with AddNewServer as the
// scaling engine's start(id) primitive; satisfies scaling.Provider.
func (m *Manager) Start(ctx context.Context, id int) error {
	inst, ok := m.GetInstance(id)
	if !ok {
		return fmt.Errorf("no such server id: %d", id)
	}
	return inst.Start(ctx)
}

// Stop stops a registered instance by id, optionally skipping the graceful
// control-session handshake. This is the scaling engine's stop(id,
// graceful) primitive; unlike RemoveServers it leaves the instance
// registered so it can be restarted later. Satisfies scaling.Provider.
func (m *Manager) Stop(ctx context.Context, id int, graceful bool) error {
	inst, ok := m.GetInstance(id)
	if !ok {
		return fmt.Errorf("no such server id: %d", id)
	}
	if graceful {
		return inst.Stop()
	}
	return inst.StopForced()
}

// Instances returns a point-in-time view of every registered instance for
// the scaling engine's add/remove/auto-balance decisions. Satisfies
// scaling.Provider.
func (m *Manager) Instances() []scaling.InstanceView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]scaling.InstanceView, 0, len(m.servers))
	for id, inst := range m.servers {
		snapshot := inst.State().Snapshot()
		views = append(views, scaling.InstanceView{
			ID:         id,
			Status:     snapshot.Status,
			NumClients: snapshot.PlayerCount,
		})
	}
	return views
}
