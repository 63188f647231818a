package decl

// declarationSchema is the JSON Schema every workflow declaration file is
// validated against before lowering onto the builder. The schema only checks
// shape; structural rules (duplicate names, fork pairing, loop bodies) belong
// to the diagnostics engine.
const declarationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Workflow declaration",
  "type": "object",
  "required": ["name", "namespace", "version", "flow"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "namespace": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "flow": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/construct"}},
    "on_failure": {"$ref": "#/definitions/handler"},
    "on_step_failure": {"type": "array", "items": {"$ref": "#/definitions/stepHandler"}}
  },
  "definitions": {
    "construct": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 1,
      "additionalProperties": false,
      "properties": {
        "step": {"$ref": "#/definitions/step"},
        "loop": {"$ref": "#/definitions/loop"},
        "branch": {"$ref": "#/definitions/branch"},
        "fork": {"$ref": "#/definitions/fork"},
        "approval": {"$ref": "#/definitions/approval"}
      }
    },
    "step": {
      "type": "object",
      "required": ["name", "implementation"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "implementation": {"type": "string", "minLength": 1},
        "instance_name": {"type": "string"},
        "validate": {
          "type": "object",
          "required": ["expression"],
          "additionalProperties": false,
          "properties": {
            "expression": {"type": "string", "minLength": 1},
            "message": {"type": "string"}
          }
        },
        "compensate": {"type": "string"}
      }
    },
    "loop": {
      "type": "object",
      "required": ["name", "exit_condition", "max_iterations", "body"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "exit_condition": {"type": "string", "minLength": 1},
        "max_iterations": {"type": "integer", "minimum": 1},
        "body": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/construct"}}
      }
    },
    "branch": {
      "type": "object",
      "required": ["id", "discriminator", "kind", "cases"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "discriminator": {"type": "string", "minLength": 1},
        "kind": {"enum": ["enum", "string", "bool", "computed"]},
        "cases": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/case"}},
        "otherwise": {"$ref": "#/definitions/case"}
      }
    },
    "case": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "value": {"type": "string"},
        "terminal": {"type": "boolean"},
        "steps": {"type": "array", "items": {"$ref": "#/definitions/step"}}
      }
    },
    "fork": {
      "type": "object",
      "required": ["id", "paths"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "paths": {"type": "array", "minItems": 2, "items": {"$ref": "#/definitions/path"}}
      }
    },
    "path": {
      "type": "object",
      "required": ["steps"],
      "additionalProperties": false,
      "properties": {
        "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/step"}},
        "tolerate_failure": {"type": "boolean"},
        "on_failure": {"type": "string"}
      }
    },
    "approval": {
      "type": "object",
      "required": ["name", "approver_type"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "approver_type": {"type": "string", "minLength": 1},
        "instructions": {"type": "string"},
        "escalation_steps": {"type": "array", "items": {"$ref": "#/definitions/subStep"}},
        "nested_escalation": {"$ref": "#/definitions/approval"},
        "rejection_steps": {"type": "array", "items": {"$ref": "#/definitions/subStep"}},
        "escalation_terminal": {"type": "boolean"},
        "rejection_terminal": {"type": "boolean"}
      }
    },
    "subStep": {
      "type": "object",
      "required": ["name", "implementation"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "implementation": {"type": "string", "minLength": 1}
      }
    },
    "handler": {
      "type": "object",
      "required": ["steps"],
      "additionalProperties": false,
      "properties": {
        "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/subStep"}},
        "terminal": {"type": "boolean"}
      }
    },
    "stepHandler": {
      "type": "object",
      "required": ["trigger_step", "steps"],
      "additionalProperties": false,
      "properties": {
        "trigger_step": {"type": "string", "minLength": 1},
        "error_type": {"type": "string"},
        "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/subStep"}},
        "terminal": {"type": "boolean"}
      }
    }
  }
}`
