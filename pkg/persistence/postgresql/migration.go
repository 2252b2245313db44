package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS flows (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				trigger JSONB NOT NULL,
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				total_enrolled INTEGER NOT NULL DEFAULT 0,
				active_count INTEGER NOT NULL DEFAULT 0,
				completed_count INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_flows_org_status
				ON flows(organization_id, status);

			CREATE TABLE IF NOT EXISTS profiles (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				first_name TEXT NOT NULL DEFAULT '',
				last_name TEXT NOT NULL DEFAULT '',
				properties JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_profiles_org
				ON profiles(organization_id);

			CREATE TABLE IF NOT EXISTS enrollments (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL,
				profile_id TEXT NOT NULL,
				organization_id TEXT NOT NULL,
				status TEXT NOT NULL,
				current_node_id TEXT,
				next_action_at TIMESTAMP WITH TIME ZONE,
				visited_nodes JSONB NOT NULL DEFAULT '[]',
				completed_nodes JSONB NOT NULL DEFAULT '[]',
				trigger_context JSONB,
				cycle INTEGER NOT NULL DEFAULT 1,
				exit_reason TEXT NOT NULL DEFAULT '',
				failure_reason TEXT NOT NULL DEFAULT '',
				claimed_by TEXT,
				claimed_at TIMESTAMP WITH TIME ZONE,
				enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (flow_id, profile_id)
			);

			CREATE INDEX IF NOT EXISTS idx_enrollments_due
				ON enrollments(status, next_action_at);

			CREATE TABLE IF NOT EXISTS segments (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				name TEXT NOT NULL,
				conditions JSONB NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				member_count INTEGER NOT NULL DEFAULT 0,
				recalc_schedule TEXT NOT NULL DEFAULT '',
				last_calculated_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS segment_memberships (
				segment_id TEXT NOT NULL,
				profile_id TEXT NOT NULL,
				entered_at TIMESTAMP WITH TIME ZONE NOT NULL,
				exited_at TIMESTAMP WITH TIME ZONE
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_current
				ON segment_memberships(segment_id, profile_id)
				WHERE exited_at IS NULL;

			CREATE INDEX IF NOT EXISTS idx_memberships_profile
				ON segment_memberships(profile_id);

			CREATE TABLE IF NOT EXISTS profile_events (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				name TEXT NOT NULL,
				properties JSONB,
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_events_profile_time
				ON profile_events(profile_id, occurred_at);

			CREATE TABLE IF NOT EXISTS sends (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				flow_id TEXT NOT NULL,
				flow_node_id TEXT NOT NULL,
				profile_id TEXT NOT NULL,
				channel TEXT NOT NULL,
				to_address TEXT NOT NULL,
				from_address TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL,
				tags JSONB,
				idempotency_key TEXT NOT NULL,
				status TEXT NOT NULL,
				scheduled_at TIMESTAMP WITH TIME ZONE,
				queued_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_sends_due
				ON sends(status, scheduled_at);
		`,
	}
}
