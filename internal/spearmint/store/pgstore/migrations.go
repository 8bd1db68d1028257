package pgstore

import "github.com/G-Research/spearmint/internal/common/database"

// Migrations returns the schema changes the store depends on, in the order they must be applied.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Id:   1,
			Name: "create documents",
			Sql: `CREATE TABLE IF NOT EXISTS documents (
				id         bigserial PRIMARY KEY,
				experiment text      NOT NULL,
				collection text      NOT NULL,
				body       jsonb     NOT NULL
			);
			CREATE INDEX IF NOT EXISTS documents_experiment_collection ON documents (experiment, collection, id);`,
		},
		{
			Id:   2,
			Name: "index document bodies",
			Sql:  `CREATE INDEX IF NOT EXISTS documents_body ON documents USING gin (body jsonb_path_ops);`,
		},
	}
}
