package workflow

// definitionsSchema is the structural contract of the workflows document,
// checked before unmarshalling so malformed configuration fails with a
// useful message instead of a zero-valued definition.
const definitionsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "base_path", "options"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "base_path": {"type": "string", "minLength": 1},
      "options": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"enum": ["image", "video", "audio", "inpaint"]},
          "input_images": {"type": "integer", "minimum": 0},
          "input_audios": {"type": "integer", "minimum": 0},
          "extra_inputs": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      },
      "field_bindings": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["target_path"],
          "properties": {
            "target_path": {
              "type": "array",
              "items": {"type": "string"},
              "minItems": 1
            }
          }
        }
      },
      "pre_tasks": {"type": "array", "items": {"type": "object"}},
      "post_tasks": {"type": "array", "items": {"type": "object"}}
    }
  }
}`
