package config

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaJSON rejects wrong-typed fields and unknown top-level keys before the
// file is merged over defaults. Field-level semantic checks (enum values,
// timeout ordering) live in validate.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "tutorial": {"type": "string"},
    "llmProvider": {"type": "string"},
    "maxIterations": {"type": "integer", "minimum": 1},
    "timeout": {"type": "integer", "minimum": 1},
    "containerImage": {"type": "string"},
    "stateFile": {"type": "string"},
    "outputDir": {"type": "string"},
    "bindAddr": {"type": "string"},
    "archiveFile": {"type": "string"},
    "studentBehavior": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "maxRetriesBeforeHelp": {"type": "integer", "minimum": 0},
        "askOnMissingDependency": {"type": "boolean"},
        "askOnAmbiguousInstruction": {"type": "boolean"},
        "askOnCommandFailure": {"type": "boolean"},
        "askOnTimeout": {"type": "boolean"},
        "timeoutSeconds": {"type": "integer", "minimum": 1},
        "patienceLevel": {"type": "string"}
      }
    },
    "container": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "keepOnFailure": {"type": "boolean"},
        "keepOnSuccess": {"type": "boolean"}
      }
    },
    "notify": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "telegramToken": {"type": "string"},
        "telegramChatId": {"type": "integer"}
      }
    },
    "telemetry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string"},
        "endpoint": {"type": "string"},
        "sampleRate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

var compiledSchema = sync.OnceValue(func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic("config: embedded schema is not valid JSON: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("smile-config.json", doc); err != nil {
		panic("config: add schema resource: " + err.Error())
	}
	sch, err := c.Compile("smile-config.json")
	if err != nil {
		panic("config: compile embedded schema: " + err.Error())
	}
	return sch
})
