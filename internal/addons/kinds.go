package addons

import (
	"fmt"

	"github.com/hubot-paas/orchestrator/internal/models"
)

const (
	MySQL         = "mysql"
	PostgreSQL    = "postgresql"
	Memcached     = "memcached"
	Redis         = "redis"
	RabbitMQ      = "rabbitmq"
	Elasticsearch = "elasticsearch"
	MongoDB       = "mongodb"
	InfluxDB      = "influxdb"
	Statsd        = "statsd"
)

var dbSecrets = []string{CredDatabase, CredUser, CredPassword}

func init() {
	register(&Kind{
		Name:           MySQL,
		Image:          "addons/mysql",
		DefaultVersion: "5.6",
		DefaultArgs:    "--character-set-server=utf8",
		VolumePaths:    []string{"/var/lib/mysql"},
		ConfigVars:     []string{"DATABASE_URL"},
		secrets:        dbSecrets,
		env: func(a, _ *models.Addon) map[string]string {
			return map[string]string{
				"MYSQL_PASSWORD":             a.Secret(CredPassword),
				"MYSQL_USER":                 a.Secret(CredUser),
				"MYSQL_DATABASE":             a.Secret(CredDatabase),
				"MYSQL_ALLOW_EMPTY_PASSWORD": "yes",
			}
		},
		config: func(a *models.Addon) map[string]string {
			return map[string]string{"DATABASE_URL": credURL("mysql", a, 3306, a.Secret(CredDatabase))}
		},
	})

	register(&Kind{
		Name:           PostgreSQL,
		Image:          "addons/postgres",
		DefaultVersion: "9.4",
		VolumePaths:    []string{"/var/lib/postgresql/data"},
		ConfigVars:     []string{"DATABASE_URL"},
		secrets:        dbSecrets,
		env: func(a, _ *models.Addon) map[string]string {
			return map[string]string{
				"DATABASES":         a.Secret(CredDatabase),
				"POSTGRES_USER":     a.Secret(CredUser),
				"POSTGRES_PASSWORD": a.Secret(CredPassword),
			}
		},
		config: func(a *models.Addon) map[string]string {
			return map[string]string{"DATABASE_URL": credURL("postgres", a, 5432, a.Secret(CredDatabase))}
		},
	})

	register(&Kind{
		Name:           Memcached,
		Image:          "addons/memcached",
		DefaultVersion: "1.4",
		ConfigVars:     []string{"CACHE_URL"},
		config: func(a *models.Addon) map[string]string {
			return map[string]string{"CACHE_URL": fmt.Sprintf("memcache://%s:11211", a.Host())}
		},
	})

	register(&Kind{
		Name:           Redis,
		Image:          "addons/redis",
		DefaultVersion: "2.8",
		VolumePaths:    []string{"/data"},
		ConfigVars:     []string{"REDIS_URL"},
		config: func(a *models.Addon) map[string]string {
			return map[string]string{"REDIS_URL": fmt.Sprintf("redis://%s:6379/0", a.Host())}
		},
	})

	register(&Kind{
		Name:           RabbitMQ,
		Image:          "addons/rabbitmq",
		DefaultVersion: "3.6",
		VolumePaths:    []string{"/var/lib/rabbitmq"},
		ConfigVars:     []string{"RABBITMQ_URL"},
		secrets:        []string{CredUser, CredPassword, CredVHost},
		env: func(a, _ *models.Addon) map[string]string {
			return map[string]string{
				"RABBITMQ_DEFAULT_USER":  a.Secret(CredUser),
				"RABBITMQ_DEFAULT_PASS":  a.Secret(CredPassword),
				"RABBITMQ_DEFAULT_VHOST": a.Secret(CredVHost),
			}
		},
		config: func(a *models.Addon) map[string]string {
			return map[string]string{"RABBITMQ_URL": credURL("amqp", a, 5672, a.Secret(CredVHost))}
		},
	})

	register(&Kind{
		Name:           Elasticsearch,
		Image:          "addons/elasticsearch",
		DefaultVersion: "1.7",
		VolumePaths:    []string{"/usr/share/elasticsearch/data"},
		ConfigVars:     []string{"ELASTICSEARCH_URL"},
		config: func(a *models.Addon) map[string]string {
			return map[string]string{"ELASTICSEARCH_URL": fmt.Sprintf("http://%s:9200", a.Host())}
		},
	})

	register(&Kind{
		Name:           MongoDB,
		Image:          "addons/mongodb",
		DefaultVersion: "3.0",
		VolumePaths:    []string{"/data"},
		ConfigVars:     []string{"MONGO_URL"},
		secrets:        dbSecrets,
		env: func(a, _ *models.Addon) map[string]string {
			return map[string]string{
				"MONGODB_USERNAME": a.Secret(CredUser),
				"MONGODB_PASSWORD": a.Secret(CredPassword),
				"MONGODB_DBNAME":   a.Secret(CredDatabase),
			}
		},
		config: func(a *models.Addon) map[string]string {
			return map[string]string{"MONGO_URL": credURL("mongodb", a, 27017, a.Secret(CredDatabase))}
		},
	})

	register(&Kind{
		Name:           InfluxDB,
		Image:          "addons/influxdb",
		DefaultVersion: "0.9",
		VolumePaths:    []string{"/data"},
		ConfigVars:     []string{"INFLUXDB_URL"},
		secrets:        dbSecrets,
		env: func(a, _ *models.Addon) map[string]string {
			return map[string]string{
				"PRE_CREATE_DB":     a.Secret(CredDatabase),
				"ADMIN_USER":        a.Secret(CredUser),
				"INFLUXDB_INIT_PWD": a.Secret(CredPassword),
			}
		},
		config: func(a *models.Addon) map[string]string {
			return map[string]string{"INFLUXDB_URL": credURL("http", a, 8086, a.Secret(CredDatabase))}
		},
	})

	register(&Kind{
		Name:           Statsd,
		Image:          "addons/statsd",
		DefaultVersion: "0.2.2",
		ConfigVars:     []string{"STATSD_URL", "STATSD_HOST", "STATSD_PORT"},
		DependsOn:      InfluxDB,
		env: func(a, dep *models.Addon) map[string]string {
			if dep == nil {
				return map[string]string{}
			}
			return map[string]string{
				"INFLUXDB_HOST":     fmt.Sprintf("http://%s:8086", dep.Host()),
				"INFLUXDB_USERNAME": dep.Secret(CredUser),
				"INFLUXDB_PASSWORD": dep.Secret(CredPassword),
				"INFLUXDB_DATABASE": dep.Secret(CredDatabase),
			}
		},
		config: func(a *models.Addon) map[string]string {
			return map[string]string{
				"STATSD_URL":  fmt.Sprintf("udp://%s:8125", a.Host()),
				"STATSD_HOST": a.Host(),
				"STATSD_PORT": "8125",
			}
		},
	})
}

func credURL(scheme string, a *models.Addon, port int, path string) string {
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, a.Secret(CredUser), a.Secret(CredPassword), a.Host(), port, path)
}
