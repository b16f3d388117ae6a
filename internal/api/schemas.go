package api

// Request bodies. Amounts are integer minor units.

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["from_account", "to_account", "amount"],
  "properties": {
    "transfer_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "from_account": {"type": "string", "minLength": 1, "maxLength": 128},
    "to_account": {"type": "string", "minLength": 1, "maxLength": 128},
    "amount": {"type": "integer", "minimum": 1},
    "gate": {"type": "string", "enum": ["proceed", "abort"]}
  }
}`

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "opening_balance": {"type": "integer", "minimum": 0}
  }
}`

// TransferSchema is shared with the gRPC surface.
const TransferSchema = transferSchema
