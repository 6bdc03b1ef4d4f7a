package api

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["receiver_wallet_number", "amount", "pin"],
  "properties": {
    "receiver_wallet_number": {"type": "string", "minLength": 1, "maxLength": 32},
    "amount": {"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]{1,2})?$"},
    "currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "pin": {"type": "string", "maxLength": 12},
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 128},
    "description": {"type": "string", "maxLength": 140}
  }
}`

const withdrawalSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "amount": {"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]{1,2})?$"},
    "otp": {"type": "string", "pattern": "^[0-9]{6}$"}
  }
}`

const depositSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "amount": {"type": ["string", "number"], "pattern": "^[0-9]+$"},
    "phone": {"type": "string", "pattern": "^\\+?[0-9]{9,15}$"}
  }
}`
