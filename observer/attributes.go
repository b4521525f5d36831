package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for run, tool, and model spans and metrics.
var (
	AttrRunID     = attribute.Key("run.id")
	AttrRunType   = attribute.Key("run.type")
	AttrRunStatus = attribute.Key("run.status")

	AttrToolName     = attribute.Key("tool.name")
	AttrToolProvider = attribute.Key("tool.provider")
	AttrToolStatus   = attribute.Key("tool.status")

	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrSkillID    = attribute.Key("sandbox.skill_id")
	AttrExecStatus = attribute.Key("sandbox.status")
)
