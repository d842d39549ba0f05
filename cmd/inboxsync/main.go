package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lumenchat/inboxsync/internal/config"
	"github.com/lumenchat/inboxsync/internal/database"
	"github.com/lumenchat/inboxsync/internal/logging"
	"github.com/lumenchat/inboxsync/internal/store"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "inboxsync",
		Short: "Inspect a local inboxsync message cache",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(conversationsCmd(), messagesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("local-address", defaults.GetString("network.local_address"), "Local client address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "network.local_address", "local-address")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openStore() (*store.Store, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}

	localStore, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}

	cleanup := func() {
		sqlDB.Close()
		logger.Sync() //nolint:errcheck
	}
	return localStore, cleanup, nil
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List cached conversations, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			localStore, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			conversations, err := localStore.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			for _, conversation := range conversations {
				marker := " "
				if conversation.Unread() {
					marker = "*"
				}
				preview := ""
				last, found, err := localStore.LatestMessage(cmd.Context(), conversation.ID)
				if err != nil {
					return err
				}
				if found {
					preview = last.Body
					if preview == "" {
						preview = last.Fallback
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%s\t%s\n",
					marker, conversation.Title(), conversation.UpdatedAt.Local().Format("2006-01-02 15:04"), preview)
			}
			return nil
		},
	}
}

func messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <peer-address>",
		Short: "List cached messages for a conversation, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localStore, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			conversation, found, err := localStore.ConversationByPeer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no conversation with peer %s", args[0])
			}

			messages, err := localStore.ListMessages(cmd.Context(), conversation.ID, store.ListQuery{})
			if err != nil {
				return err
			}
			for _, message := range messages {
				body := message.Body
				if body == "" && message.Fallback != "" {
					body = message.Fallback
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s [%s]: %s\n",
					message.CreatedAt.Local().Format("2006-01-02 15:04"),
					store.TruncateAddress(message.SenderAddress), message.State, body)
			}
			return nil
		},
	}
}
