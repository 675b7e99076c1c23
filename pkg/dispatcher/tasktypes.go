package dispatcher

import "github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"

// taskAuditAction maps each recognized task type to the dotted audit
// action name recorded on success. The policy, moderation, appeal,
// sanction and audit task types are named so they fall under the
// governance loop's skip-prefixes (policy., moderation., sanction.,
// appeal., audit., permission., approval., rate_limit., budget.) and
// never re-trigger evaluation of the actions that already implement
// governance itself; the capability_* actions (capability.*) are
// evaluated like any other.
var taskAuditAction = map[string]string{
	"echo": "task.echo",

	"chat": "llm.request",

	"store_fact":                  "memory.write",
	"record_episode":              "memory.write",
	"store_procedure":             "memory.write",
	"record_procedure_execution":  "memory.write",
	"search_memory":               "memory.read",
	"get_procedure":               "memory.read",
	"find_procedures":             "memory.read",

	"list_tools":  "tool.listed",
	"invoke_tool": "tool.invoked",

	"discover_agents": "agent.discovered",
	"agent_directory": "agent.directory_listed",

	"forum_create": "forum.created",
	"forum_list":   "forum.listed",
	"forum_post":   "forum.posted",
	"forum_posts":  "forum.posts_listed",

	"job_post":  "job.posted",
	"job_list":  "job.listed",
	"job_apply": "job.applied",

	"reputation_get":    "reputation.read",
	"reputation_list":   "reputation.listed",
	"reputation_adjust": "reputation.adjusted",

	"audit_query": "audit.queried",

	"capability_list":       "capability.listed",
	"capability_grant":      "capability.granted",
	"capability_revoke":     "capability.revoked",
	"capability_revoke_all": "capability.revoked_all",

	"policy_create":     "policy.rule_created",
	"policy_list":       "policy.rules_listed",
	"policy_set_status": "policy.rule_status_set",

	"moderation_case_open":    "moderation.case_opened",
	"moderation_case_list":    "moderation.cases_listed",
	"moderation_case_resolve": "moderation.case_resolved",

	"appeal_open":    "appeal.opened",
	"appeal_list":    "appeal.listed",
	"appeal_resolve": "appeal.resolved",

	"sanction_apply": "sanction.applied",
	"sanction_list":  "sanction.listed",
	"sanction_lift":  "sanction.lifted",

	"a2a_task":        "a2a.task.submitted",
	"a2a_task_async":  "a2a.task.submitted",
	"a2a_task_sync":   "a2a.task.submitted",
	"a2a_task_status": "a2a.task.status_read",

	"list_skills":   "skill.listed",
	"invoke_skill":  "skill.invoked",

	"compute":           "task.compute",
	"memory_intensive":  "task.memory_intensive",
}

func knownTaskType(t string) bool {
	_, ok := taskAuditAction[t]
	return ok
}

// permissionFor maps a recognized task type to the (category, action,
// resource) triple checked against the Capability Store in gate 6. An
// empty category means the task type carries no permission check: pure
// read-only introspection (echo, list_tools, discover_agents, ...), the
// agent's own appeal escape hatch (appeal_open/appeal_list), and
// sanction_list (read-only transparency into every sanction on record).
func permissionFor(taskType string, payload map[string]any) (category, action, resource string) {
	switch taskType {
	case "chat":
		return "llm", "execute", ""
	case "invoke_tool":
		return "tool", "invoke", str(payload, "toolId")

	case "store_fact", "record_episode", "store_procedure", "record_procedure_execution":
		return "memory", "write", ""
	case "search_memory", "get_procedure", "find_procedures":
		return "memory", "read", ""

	case "a2a_task", "a2a_task_async", "a2a_task_sync":
		return "a2a", "dispatch", str(payload, "toAgentId")
	case "invoke_skill":
		return "a2a", "dispatch", str(payload, "targetAgentId")

	case "forum_create", "forum_post", "job_post", "job_apply", "reputation_adjust":
		return "marketplace", "write", ""
	case "forum_list", "forum_posts", "job_list", "reputation_get", "reputation_list":
		return "marketplace", "read", ""

	case "audit_query":
		return "audit", "read", ""

	case "capability_list":
		return "capability", "list", str(payload, "agentId")
	case "capability_grant":
		return "capability", "grant", str(payload, "agentId")
	case "capability_revoke":
		return "capability", "revoke", str(payload, "tokenId")
	case "capability_revoke_all":
		return "capability", "revoke_all", str(payload, "agentId")

	case "policy_create":
		return "policy", "create", ""
	case "policy_list":
		return "policy", "list", ""
	case "policy_set_status":
		return "policy", "set_status", ""

	case "moderation_case_open":
		return "moderation", "open", str(payload, "subjectAgentId")
	case "moderation_case_list":
		return "moderation", "list", ""
	case "moderation_case_resolve":
		return "moderation", "resolve", str(payload, "caseId")

	case "appeal_resolve":
		return "appeal", "resolve", str(payload, "appealId")

	case "sanction_apply":
		return "sanction", "apply", str(payload, "subjectAgentId")
	case "sanction_lift":
		return "sanction", "lift", str(payload, "sanctionId")

	default:
		return "", "", ""
	}
}

// validatePayloadShape performs gate-chain step 4's per-task schema
// validation: required-field presence checks covering every field the
// handlers actually dereference.
func validatePayloadShape(taskType string, payload map[string]any) error {
	require := func(keys ...string) error {
		for _, k := range keys {
			if _, ok := payload[k]; !ok {
				return gatewayerr.Validation("task %s: missing required field %q", taskType, k)
			}
		}
		return nil
	}

	switch taskType {
	case "chat":
		if _, ok := payload["messages"]; !ok {
			return gatewayerr.Validation("chat: missing required field \"messages\"")
		}
	case "invoke_tool":
		return require("toolId")
	case "store_fact":
		return require("content")
	case "record_episode":
		return require("eventName")
	case "store_procedure":
		return require("trigger")
	case "get_procedure", "record_procedure_execution":
		return require("id")
	case "forum_create":
		return require("name")
	case "forum_post":
		return require("forumId", "content")
	case "forum_posts":
		return require("forumId")
	case "job_post":
		return require("title")
	case "job_apply":
		return require("jobId")
	case "reputation_adjust":
		return require("agentId", "delta")
	case "capability_grant":
		return require("agentId", "permissions")
	case "capability_revoke":
		return require("tokenId")
	case "capability_revoke_all":
		return require("agentId")
	case "policy_create":
		return require("kind", "decision")
	case "policy_set_status":
		return require("kind", "id", "enabled")
	case "moderation_case_open":
		return require("subjectAgentId", "reason")
	case "moderation_case_resolve":
		return require("caseId", "status")
	case "appeal_open":
		return require("caseId", "reason")
	case "appeal_resolve":
		return require("appealId", "status")
	case "sanction_apply":
		return require("subjectAgentId", "sanctionType")
	case "sanction_lift":
		return require("sanctionId")
	case "a2a_task", "a2a_task_async", "a2a_task_sync":
		return require("toAgentId")
	case "invoke_skill":
		return require("targetAgentId", "skillId")
	case "a2a_task_status":
		return require("taskId")
	}
	return nil
}
