package db

// SchemaSQL defines the account table.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS account SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS username ON account TYPE string;
    DEFINE FIELD IF NOT EXISTS roles ON account TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS character_reserve ON account TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS characters_used ON account TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS own_characters_used ON account TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS api_keys ON account TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS azure_endpoint ON account TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON account TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS account_username ON account FIELDS username UNIQUE;
`
