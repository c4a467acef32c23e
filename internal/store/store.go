// Package store is the bbolt-backed Store collaborator: typed repositories
// for environments, sessions (agent tokens), schedules, executions, scans,
// audit, events, metrics, env-vars, and key-value settings. Bucket-per-
// concern layout, composite keys for chronological ordering, and
// cursor-based retention scans follow this repo's usual bbolt idiom.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/harborctl/harborctl/internal/domain"
)

var (
	bucketEnvironments  = []byte("environments")
	bucketAgentTokens   = []byte("agent_tokens")
	bucketStackSources  = []byte("stack_sources")
	bucketStackEnvVars  = []byte("stack_env_vars")
	bucketSchedules     = []byte("schedules")
	bucketExecutions    = []byte("executions")
	bucketContainerEvts = []byte("container_events")
	bucketHostMetrics   = []byte("host_metrics")
	bucketScans         = []byte("vulnerability_scans")
	bucketPendingUpdate = []byte("pending_updates")
	bucketSettings      = []byte("settings")
	bucketAudit         = []byte("audit")
	bucketRegistryCreds = []byte("registry_credentials")
	bucketGitRepos      = []byte("git_repositories")
	bucketGitStacks     = []byte("git_stacks")

	allBuckets = [][]byte{
		bucketEnvironments, bucketAgentTokens, bucketStackSources,
		bucketStackEnvVars, bucketSchedules, bucketExecutions,
		bucketContainerEvts, bucketHostMetrics, bucketScans,
		bucketPendingUpdate, bucketSettings, bucketAudit,
		bucketRegistryCreds, bucketGitRepos, bucketGitStacks,
	}
)

// Store wraps a bbolt database with typed repository methods.
type Store struct {
	db *bolt.DB
}

// Open creates (if absent) and opens the database at path, ensuring every
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure buckets: %w", err)
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// --- Environments ---

func (s *Store) SaveEnvironment(env domain.Environment) error {
	return s.put(bucketEnvironments, []byte(env.ID), env)
}

func (s *Store) GetEnvironment(id string) (domain.Environment, error) {
	var env domain.Environment
	ok, err := s.get(bucketEnvironments, []byte(id), &env)
	if err != nil {
		return env, err
	}
	if !ok {
		return env, &domain.NotFound{Kind: "environment", ID: id}
	}
	return env, nil
}

func (s *Store) DeleteEnvironment(id string) error {
	// Cascade: sessions, executions, events, etc for this environment are
	// removed by prefix scan, per the Environment lifecycle invariant.
	if err := s.deleteByPrefix(bucketContainerEvts, []byte(id+"::")); err != nil {
		return err
	}
	if err := s.deleteByPrefix(bucketHostMetrics, []byte(id+"::")); err != nil {
		return err
	}
	if err := s.deleteByPrefix(bucketExecutions, []byte(id+"::")); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).Delete([]byte(id))
	})
}

func (s *Store) ListEnvironments() ([]domain.Environment, error) {
	var out []domain.Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).ForEach(func(_, v []byte) error {
			var env domain.Environment
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			out = append(out, env)
			return nil
		})
	})
	return out, err
}

// --- Agent tokens ---

func (s *Store) SaveAgentToken(t domain.AgentToken) error {
	return s.put(bucketAgentTokens, []byte(t.ID), t)
}

func (s *Store) GetAgentToken(id string) (domain.AgentToken, error) {
	var t domain.AgentToken
	ok, err := s.get(bucketAgentTokens, []byte(id), &t)
	if err != nil {
		return t, err
	}
	if !ok {
		return t, &domain.NotFound{Kind: "agent_token", ID: id}
	}
	return t, nil
}

func (s *Store) ListAgentTokensForEnvironment(envID string) ([]domain.AgentToken, error) {
	var out []domain.AgentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentTokens).ForEach(func(_, v []byte) error {
			var t domain.AgentToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.EnvironmentID == envID {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) ListActiveAgentTokens() ([]domain.AgentToken, error) {
	var out []domain.AgentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentTokens).ForEach(func(_, v []byte) error {
			var t domain.AgentToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Active {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

// TouchAgentToken records a successful use of an agent token, updating
// its last_used timestamp.
func (s *Store) TouchAgentToken(id string, at time.Time) error {
	t, err := s.GetAgentToken(id)
	if err != nil {
		return err
	}
	t.LastUsed = &at
	return s.SaveAgentToken(t)
}

// --- Stack sources / env vars ---

func stackKey(name, envID string) []byte { return []byte(envID + "::" + name) }

func (s *Store) SaveStackSource(src domain.StackSource) error {
	return s.put(bucketStackSources, stackKey(src.StackName, src.EnvironmentID), src)
}

func (s *Store) GetStackSource(name, envID string) (domain.StackSource, bool, error) {
	var src domain.StackSource
	ok, err := s.get(bucketStackSources, stackKey(name, envID), &src)
	return src, ok, err
}

func (s *Store) SaveStackEnvVar(v domain.StackEnvVar) error {
	key := []byte(v.EnvironmentID + "::" + v.StackName + "::" + v.Key)
	return s.put(bucketStackEnvVars, key, v)
}

func (s *Store) ListStackEnvVars(name, envID string) ([]domain.StackEnvVar, error) {
	prefix := []byte(envID + "::" + name + "::")
	var out []domain.StackEnvVar
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStackEnvVars).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev domain.StackEnvVar
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// --- Schedules ---

func (s *Store) SaveSchedule(sch domain.Schedule) error {
	return s.put(bucketSchedules, []byte(sch.ID), sch)
}

func (s *Store) GetSchedule(id string) (domain.Schedule, error) {
	var sch domain.Schedule
	ok, err := s.get(bucketSchedules, []byte(id), &sch)
	if err != nil {
		return sch, err
	}
	if !ok {
		return sch, &domain.NotFound{Kind: "schedule", ID: id}
	}
	return sch, nil
}

func (s *Store) DeleteSchedule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(id))
	})
}

func (s *Store) ListSchedules() ([]domain.Schedule, error) {
	var out []domain.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(_, v []byte) error {
			var sch domain.Schedule
			if err := json.Unmarshal(v, &sch); err != nil {
				return err
			}
			out = append(out, sch)
			return nil
		})
	})
	return out, err
}

func (s *Store) ListSchedulesForEnvironment(envID string) ([]domain.Schedule, error) {
	all, err := s.ListSchedules()
	if err != nil {
		return nil, err
	}
	var out []domain.Schedule
	for _, sch := range all {
		if sch.EnvironmentID == envID {
			out = append(out, sch)
		}
	}
	return out, nil
}

// --- Executions ---
//
// Keyed by execution ID; recency ordering comes from TriggeredAt, not from
// the key.

func (s *Store) SaveExecution(e domain.ScheduleExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExecutions).Put([]byte(e.ID), buf)
	})
}

// ListRecentExecutions returns up to limit executions, newest TriggeredAt
// first, by a linear scan of the whole bucket (history is bounded by
// retention cleanup, so a full-bucket scan stays cheap).
func (s *Store) ListRecentExecutions(limit int) ([]domain.ScheduleExecution, error) {
	var out []domain.ScheduleExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			var e domain.ScheduleExecution
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortExecutionsDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortExecutionsDesc(execs []domain.ScheduleExecution) {
	for i := 1; i < len(execs); i++ {
		for j := i; j > 0 && execs[j].TriggeredAt.After(execs[j-1].TriggeredAt); j-- {
			execs[j], execs[j-1] = execs[j-1], execs[j]
		}
	}
}

// DeleteExecutionsOlderThan implements schedule_retention_days cleanup.
func (s *Store) DeleteExecutionsOlderThan(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e domain.ScheduleExecution
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.TriggeredAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// --- Container events ---

func containerEventKey(e domain.ContainerEvent) []byte {
	return []byte(fmt.Sprintf("%s::%s", e.EnvironmentID, e.Timestamp.Format(time.RFC3339Nano)))
}

func (s *Store) SaveContainerEvent(e domain.ContainerEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContainerEvts).Put(containerEventKey(e), buf)
	})
}

func (s *Store) ListRecentContainerEvents(envID string, limit int) ([]domain.ContainerEvent, error) {
	prefix := []byte(envID + "::")
	var out []domain.ContainerEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContainerEvts).Cursor()
		k, v := c.Last()
		for ; k != nil; k, v = c.Prev() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			var e domain.ContainerEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) DeleteContainerEventsOlderThan(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainerEvts)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e domain.ContainerEvent
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// --- Host metrics ---

func (s *Store) SaveHostMetric(m domain.HostMetric) error {
	key := []byte(fmt.Sprintf("%s::%s", m.EnvironmentID, m.Timestamp.Format(time.RFC3339Nano)))
	return s.db.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHostMetrics).Put(key, buf)
	})
}

func (s *Store) LatestHostMetric(envID string) (domain.HostMetric, bool, error) {
	prefix := []byte(envID + "::")
	var m domain.HostMetric
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHostMetrics).Cursor()
		k, v := c.Last()
		for ; k != nil; k, v = c.Prev() {
			if bytes.HasPrefix(k, prefix) {
				if err := json.Unmarshal(v, &m); err != nil {
					return err
				}
				found = true
				return nil
			}
		}
		return nil
	})
	return m, found, err
}

// --- Vulnerability scans ---

func scanKey(envID, imageID string) []byte { return []byte(envID + "::" + imageID) }

func (s *Store) SaveVulnerabilityScan(v domain.VulnerabilityScan) error {
	return s.put(bucketScans, scanKey(v.EnvironmentID, v.ImageID), v)
}

func (s *Store) GetVulnerabilityScan(envID, imageID string) (domain.VulnerabilityScan, bool, error) {
	var v domain.VulnerabilityScan
	ok, err := s.get(bucketScans, scanKey(envID, imageID), &v)
	return v, ok, err
}

// --- Pending container updates ---

func pendingKey(envID, containerID string) []byte { return []byte(envID + "::" + containerID) }

func (s *Store) SavePendingUpdate(p domain.PendingContainerUpdate) error {
	return s.put(bucketPendingUpdate, pendingKey(p.EnvironmentID, p.ContainerID), p)
}

func (s *Store) DeletePendingUpdate(envID, containerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingUpdate).Delete(pendingKey(envID, containerID))
	})
}

func (s *Store) ListPendingUpdates(envID string) ([]domain.PendingContainerUpdate, error) {
	prefix := []byte(envID + "::")
	var out []domain.PendingContainerUpdate
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPendingUpdate).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p domain.PendingContainerUpdate
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// ReplacePendingUpdates overwrites the full pending-update set for an
// environment, implementing invariant 5: the set of rows equals the set
// of containers found out-of-date at the end of the run.
func (s *Store) ReplacePendingUpdates(envID string, updates []domain.PendingContainerUpdate) error {
	prefix := []byte(envID + "::")
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingUpdate)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, p := range updates {
			buf, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put(pendingKey(p.EnvironmentID, p.ContainerID), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Settings (generic key/value) ---

func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

func (s *Store) LoadSetting(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}

func (s *Store) GetAllSettings() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// --- Audit ---

func (s *Store) SaveAuditEntry(a domain.AuditEntry) error {
	key := []byte(a.Timestamp.Format(time.RFC3339Nano) + "::" + a.ID)
	return s.db.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAudit).Put(key, buf)
	})
}

// --- Registry credentials ---

func (s *Store) SaveRegistryCredential(c domain.RegistryCredential) error {
	return s.put(bucketRegistryCreds, []byte(c.ID), c)
}

func (s *Store) GetRegistryCredential(id string) (domain.RegistryCredential, error) {
	var c domain.RegistryCredential
	ok, err := s.get(bucketRegistryCreds, []byte(id), &c)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, &domain.NotFound{Kind: "registry_credential", ID: id}
	}
	return c, nil
}

func (s *Store) DeleteRegistryCredential(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistryCreds).Delete([]byte(id))
	})
}

func (s *Store) ListRegistryCredentials() ([]domain.RegistryCredential, error) {
	var out []domain.RegistryCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistryCreds).ForEach(func(_, v []byte) error {
			var c domain.RegistryCredential
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// --- git repositories and stacks ---

func (s *Store) SaveGitRepository(r domain.GitRepository) error {
	return s.put(bucketGitRepos, []byte(r.ID), r)
}

func (s *Store) GetGitRepository(id string) (domain.GitRepository, error) {
	var r domain.GitRepository
	ok, err := s.get(bucketGitRepos, []byte(id), &r)
	if err != nil {
		return r, err
	}
	if !ok {
		return r, &domain.NotFound{Kind: "git_repository", ID: id}
	}
	return r, nil
}

func (s *Store) ListGitRepositories() ([]domain.GitRepository, error) {
	var out []domain.GitRepository
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGitRepos).ForEach(func(_, v []byte) error {
			var r domain.GitRepository
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteGitRepository(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGitRepos).Delete([]byte(id))
	})
}

func (s *Store) SaveGitStack(st domain.GitStack) error {
	return s.put(bucketGitStacks, []byte(st.ID), st)
}

func (s *Store) GetGitStack(id string) (domain.GitStack, error) {
	var st domain.GitStack
	ok, err := s.get(bucketGitStacks, []byte(id), &st)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, &domain.NotFound{Kind: "git_stack", ID: id}
	}
	return st, nil
}

func (s *Store) ListGitStacks() ([]domain.GitStack, error) {
	var out []domain.GitStack
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGitStacks).ForEach(func(_, v []byte) error {
			var st domain.GitStack
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

// --- generic helpers ---

func (s *Store) put(bucket, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, buf)
	})
}

func (s *Store) get(bucket, key []byte, out any) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, out)
	})
	return found, err
}

func (s *Store) deleteByPrefix(bucket, prefix []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
